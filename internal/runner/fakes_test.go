package runner

import (
	"context"
	"sync"

	"github.com/andrej220/hexactl/internal/remote"
)

type chunk struct{ stdout, stderr string }

type fakeCommand struct {
	chunks  []chunk
	code    int
	err     error
	openErr error
	// block keeps the command running until its channel is closed.
	block bool
}

// fakeHost scripts the behaviour of every session it hands out and records
// the commands they were asked to run.
type fakeHost struct {
	mu          sync.Mutex
	connectErr  error
	commands    map[string]fakeCommand
	issued      []string
	sessions    int
	connects    int
	disconnects int

	// blockConnect holds Connect until its context is done.
	blockConnect bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{commands: make(map[string]fakeCommand)}
}

func (h *fakeHost) factory() SessionFactory {
	return func() Session {
		h.mu.Lock()
		h.sessions++
		h.mu.Unlock()
		return &fakeSession{host: h}
	}
}

func (h *fakeHost) set(command string, c fakeCommand) {
	h.mu.Lock()
	h.commands[command] = c
	h.mu.Unlock()
}

func (h *fakeHost) issuedCommands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.issued...)
}

func (h *fakeHost) hasIssued(command string) bool {
	for _, c := range h.issuedCommands() {
		if c == command {
			return true
		}
	}
	return false
}

func (h *fakeHost) counts() (sessions, connects, disconnects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions, h.connects, h.disconnects
}

type fakeSession struct {
	host  *fakeHost
	mu    sync.Mutex
	state remote.ConnectionState
}

func (s *fakeSession) Connect(ctx context.Context, _ string, _ int, _, _ string) error {
	s.host.mu.Lock()
	s.host.connects++
	err := s.host.connectErr
	block := s.host.blockConnect
	s.host.mu.Unlock()

	if block {
		<-ctx.Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = remote.Failed
		return err
	}
	if err := ctx.Err(); err != nil {
		s.state = remote.Failed
		return err
	}
	s.state = remote.Connected
	return nil
}

func (s *fakeSession) OpenChannel(command string) (Channel, error) {
	if s.State() != remote.Connected {
		return nil, remote.ErrNotConnected
	}
	s.host.mu.Lock()
	s.host.issued = append(s.host.issued, command)
	c := s.host.commands[command]
	s.host.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &fakeChannel{cmd: c}, nil
}

func (s *fakeSession) Disconnect() error {
	s.host.mu.Lock()
	s.host.disconnects++
	s.host.mu.Unlock()
	s.mu.Lock()
	s.state = remote.Disconnected
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) State() remote.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// fakeChannel hands out one chunk per read and reports exit only after
// every chunk was read, like the SSH channel does.
type fakeChannel struct {
	mu     sync.Mutex
	cmd    fakeCommand
	next   int
	closed bool
}

func (c *fakeChannel) Poll() (remote.ChannelStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next < len(c.cmd.chunks) || (c.cmd.block && !c.closed) {
		return remote.Running, nil
	}
	if c.cmd.err != nil {
		return remote.ChannelStatus{}, c.cmd.err
	}
	return remote.Exited(c.cmd.code), nil
}

func (c *fakeChannel) ReadAvailable() (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.cmd.chunks) {
		return "", "", nil
	}
	ch := c.cmd.chunks[c.next]
	c.next++
	return ch.stdout, ch.stderr, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeProcess struct {
	mu     sync.Mutex
	chunks []chunk
	code   int
	block  bool
	next   int
	killed bool
}

func (p *fakeProcess) doneLocked() bool {
	return p.next >= len(p.chunks) && (!p.block || p.killed)
}

func (p *fakeProcess) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneLocked()
}

func (p *fakeProcess) DrainOutput(ctx context.Context) (string, string, error) {
	p.mu.Lock()
	if p.next < len(p.chunks) {
		ch := p.chunks[p.next]
		p.next++
		p.mu.Unlock()
		return ch.stdout, ch.stderr, nil
	}
	done := p.doneLocked()
	p.mu.Unlock()
	if done {
		return "", "", nil
	}
	<-ctx.Done()
	return "", "", ctx.Err()
}

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return -1
	}
	return p.code
}

func (p *fakeProcess) Err() error { return nil }

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeSpawner returns proc for every spawn and records the argument vectors.
type fakeSpawner struct {
	mu    sync.Mutex
	proc  *fakeProcess
	err   error
	calls [][]string
}

func (s *fakeSpawner) spawn(argv []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), argv...))
	if s.err != nil {
		return nil, s.err
	}
	return s.proc, nil
}

func (s *fakeSpawner) argvs() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.calls...)
}
