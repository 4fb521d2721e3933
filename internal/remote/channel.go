package remote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/hexactl/internal/lg"
)

const readChunk = 4096

// ChannelStatus is the result of CommandChannel.Poll.
type ChannelStatus struct {
	Exited bool
	Code   int
}

var Running = ChannelStatus{}

func Exited(code int) ChannelStatus { return ChannelStatus{Exited: true, Code: code} }

func (s ChannelStatus) String() string {
	if !s.Exited {
		return "running"
	}
	return fmt.Sprintf("exited(%d)", s.Code)
}

// exitDrainWindow is how long output may keep arriving after the exit status
// before the command is reported as exited. A command that leaves a
// background process holding its output open never reaches EOF.
const exitDrainWindow = 200 * time.Millisecond

var errMissingExit = errors.New("channel closed without exit status")

// CommandChannel runs one remote command. Output is pumped into buffers by
// background readers so Poll and ReadAvailable never block.
type CommandChannel struct {
	ch     ssh.Channel
	reqs   <-chan *ssh.Request
	logger lg.Logger

	mu      sync.Mutex
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	started bool
	exited  bool
	code    int
	readErr error
	waitErr error

	pumpsDone chan struct{}
	closeOnce sync.Once
}

func newCommandChannel(ch ssh.Channel, reqs <-chan *ssh.Request, logger lg.Logger) *CommandChannel {
	return &CommandChannel{
		ch:        ch,
		reqs:      reqs,
		logger:    lg.OrDiscard(logger),
		pumpsDone: make(chan struct{}),
	}
}

// Start issues command on the channel.
func (c *CommandChannel) Start(command string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel already started", ErrExecFailed)
	}
	c.started = true
	c.mu.Unlock()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go c.pump(c.ch, &c.stdout, &pumps)
	go c.pump(c.ch.Stderr(), &c.stderr, &pumps)
	go func() {
		pumps.Wait()
		close(c.pumpsDone)
	}()
	go c.watch()

	ok, err := c.ch.SendRequest("exec", true, ssh.Marshal(&struct{ Command string }{command}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExecFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: exec request refused", ErrExecFailed)
	}
	c.logger.Debug("command started", lg.String("command", command))
	return nil
}

// watch waits for the exit status. Output already sent is collected before
// the exit is published: until both streams hit EOF, or for at most
// exitDrainWindow.
func (c *CommandChannel) watch() {
	for req := range c.reqs {
		code, ok := exitStatus(req)
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		if !ok {
			continue
		}
		go ssh.DiscardRequests(c.reqs)
		select {
		case <-c.pumpsDone:
		case <-time.After(exitDrainWindow):
			c.logger.Debug("output still open after exit status")
		}
		c.setExited(code, nil)
		return
	}
	<-c.pumpsDone
	c.setExited(-1, errMissingExit)
}

func (c *CommandChannel) setExited(code int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exited = true
	c.code = code
	c.waitErr = err
}

// signals maps exit-signal names to numbers; a signalled command exits with
// 128 plus the signal number, as a shell reports it.
var signals = map[string]int{
	"HUP": 1, "INT": 2, "QUIT": 3, "ILL": 4, "ABRT": 6, "FPE": 8,
	"KILL": 9, "USR1": 10, "SEGV": 11, "USR2": 12, "PIPE": 13, "ALRM": 14, "TERM": 15,
}

func exitStatus(req *ssh.Request) (int, bool) {
	switch req.Type {
	case "exit-status":
		var msg struct{ Status uint32 }
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			return 0, false
		}
		return int(msg.Status), true
	case "exit-signal":
		var msg struct {
			Signal     string
			CoreDumped bool
			Error      string
			Lang       string
		}
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			return 0, false
		}
		return 128 + signals[msg.Signal], true
	}
	return 0, false
}

func (c *CommandChannel) pump(r io.Reader, dst *bytes.Buffer, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.mu.Lock()
			dst.Write(buf[:n])
			c.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				if c.readErr == nil {
					c.readErr = err
				}
				c.mu.Unlock()
			}
			return
		}
	}
}

// Poll reports whether the command has exited. A channel that closed without
// an exit status yields ErrTransmission.
func (c *CommandChannel) Poll() (ChannelStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exited {
		return Running, nil
	}
	if c.waitErr != nil {
		return Exited(c.code), fmt.Errorf("%w: %v", ErrTransmission, c.waitErr)
	}
	return Exited(c.code), nil
}

// ReadAvailable returns whatever output has been buffered since the last call.
// Both strings are empty when nothing is ready.
func (c *CommandChannel) ReadAvailable() (stdout, stderr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stdout = c.stdout.String()
	stderr = c.stderr.String()
	c.stdout.Reset()
	c.stderr.Reset()
	if c.readErr != nil {
		err = fmt.Errorf("%w: %v", ErrTransmission, c.readErr)
	}
	return stdout, stderr, err
}

// Close releases the channel. Safe to call more than once.
func (c *CommandChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if cerr := c.ch.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = cerr
		}
	})
	return err
}
