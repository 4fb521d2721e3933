// Package remote runs commands on a hexacontroller over SSH: one Session per
// host, one CommandChannel per command.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/hexactl/internal/lg"
)

// ConnectionState of a Session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options tune connection behaviour. Zero values fall back to defaults.
type Options struct {
	DialTimeout time.Duration
	// ConnectRetries is the number of extra dial attempts made when the host
	// is unreachable. Authentication and protocol failures are never retried.
	ConnectRetries uint64
	// NewBackoff builds the delay policy between dial attempts. Each Session
	// calls it once; a BackOff is stateful and must not be shared.
	NewBackoff func() backoff.BackOff
	Logger  lg.Logger
}

const DefaultDialTimeout = 10 * time.Second

func defaultBackoff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      30 * time.Second,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

// Session owns one authenticated SSH connection.
type Session struct {
	opts    Options
	logger  lg.Logger
	backoff backoff.BackOff
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	client *ssh.Client
	state  ConnectionState
	addr   string
}

func NewSession(opts Options) *Session {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.NewBackoff == nil {
		opts.NewBackoff = defaultBackoff
	}
	s := &Session{
		opts:    opts,
		logger:  lg.OrDiscard(opts.Logger),
		backoff: opts.NewBackoff(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-channel",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return s
}

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials host:port and authenticates with username/password. The host
// key is accepted without verification.
func (s *Session) Connect(ctx context.Context, host string, port int, username, password string) error {
	s.mu.Lock()
	if s.state == Connected || s.state == Connecting {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = Connecting
	s.addr = net.JoinHostPort(host, strconv.Itoa(port))
	addr := s.addr
	s.mu.Unlock()

	config := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.opts.DialTimeout,
		BannerCallback:  func(message string) error { return nil }, // ignore banner
	}

	logger := s.logger.With(lg.String("addr", addr), lg.String("user", username))
	logger.Info("connecting")

	var client *ssh.Client
	operation := func() error {
		c, err := dialContext(ctx, addr, config)
		if err != nil {
			cerr := &ConnectError{Reason: classifyDialErr(err), Addr: addr, Err: err}
			if ctx.Err() != nil {
				cerr.Reason = Unreachable
				cerr.Err = ctx.Err()
				return backoff.Permanent(cerr)
			}
			if cerr.Reason != Unreachable {
				return backoff.Permanent(cerr)
			}
			logger.Warn("dial failed", lg.Err(err))
			return cerr
		}
		client = c
		return nil
	}

	s.backoff.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(s.backoff, s.opts.ConnectRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		s.mu.Lock()
		s.state = Failed
		s.mu.Unlock()
		var cerr *ConnectError
		if !errors.As(err, &cerr) {
			err = &ConnectError{Reason: Unreachable, Addr: addr, Err: err}
		}
		logger.Error("connect failed", lg.Err(err))
		return err
	}

	s.mu.Lock()
	s.client = client
	s.state = Connected
	s.mu.Unlock()
	logger.Info("connected")
	return nil
}

// dialContext is ssh.Dial with the TCP dial bound to ctx.
func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Disconnect closes the connection. Calling it while not connected is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.state = Disconnected
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	s.logger.Info("disconnecting", lg.String("addr", s.addr))
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh client: %w", err)
	}
	return nil
}

// OpenChannel allocates a new exec channel and starts command on it. Several
// channels may be open at once; their relative ordering is up to the caller.
func (s *Session) OpenChannel(command string) (*CommandChannel, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}

	res, err := s.breaker.Execute(func() (any, error) {
		ch, reqs, err := client.OpenChannel("session", nil)
		if err != nil {
			return nil, err
		}
		return newCommandChannel(ch, reqs, s.logger), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open session channel: %v", ErrExecFailed, err)
	}

	ch := res.(*CommandChannel)
	if err := ch.Start(command); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Run executes command on a fresh channel, polling every interval, and
// forwards output chunks to onOutput. It returns the exit code.
func (s *Session) Run(ctx context.Context, command string, interval time.Duration, onOutput func(stdout, stderr string)) (int, error) {
	ch, err := s.OpenChannel(command)
	if err != nil {
		return -1, err
	}
	defer ch.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stdout, stderr, err := ch.ReadAvailable()
		if onOutput != nil && (stdout != "" || stderr != "") {
			onOutput(stdout, stderr)
		}
		if err != nil {
			return -1, err
		}
		status, err := ch.Poll()
		if err != nil {
			return -1, err
		}
		if status.Exited {
			stdout, stderr, err := ch.ReadAvailable()
			if onOutput != nil && (stdout != "" || stderr != "") {
				onOutput(stdout, stderr)
			}
			return status.Code, err
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}
