// Package local supervises a procedure running as a subprocess on this
// machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/andrej220/hexactl/internal/lg"
)

var (
	ErrInterpreterNotFound = errors.New("interpreter not found")
	ErrSpawnFailed         = errors.New("spawn failed")
)

const readChunk = 4096

// Process is one running subprocess. Output is pumped into buffers in the
// background; DrainOutput hands it out.
type Process struct {
	cmd    *exec.Cmd
	logger lg.Logger

	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
	ready  chan struct{}

	done     chan struct{}
	exitCode int
	waitErr  error
}

// Spawn resolves an interpreter for argv[0] and starts it with argv as its
// arguments.
func Spawn(argv []string, resolver Resolver, logger lg.Logger) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argument vector", ErrSpawnFailed)
	}
	interpreter, err := resolver.Resolve(argv[0])
	if err != nil {
		return nil, err
	}

	p := &Process{
		cmd:    newCommand(interpreter, argv),
		logger: lg.OrDiscard(logger).With(lg.String("interpreter", interpreter), lg.String("script", argv[0])),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),

		exitCode: -1,
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	p.logger.Info("process started", lg.Int("pid", p.cmd.Process.Pid))

	var g errgroup.Group
	g.Go(func() error { return p.pump(stdout, &p.stdout) })
	g.Go(func() error { return p.pump(stderr, &p.stderr) })
	go func() {
		// Wait must not be called before the pipes are fully read.
		readErr := g.Wait()
		err := p.cmd.Wait()

		p.mu.Lock()
		p.exitCode = p.cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		} else if readErr != nil {
			p.waitErr = readErr
		}
		p.mu.Unlock()

		p.logger.Info("process exited", lg.Int("exit_code", p.exitCode))
		close(p.done)
	}()
	return p, nil
}

func (p *Process) pump(r io.Reader, dst *bytes.Buffer) error {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			dst.Write(buf[:n])
			p.mu.Unlock()
			select {
			case p.ready <- struct{}{}:
			default:
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// IsDone reports whether the process has exited and its output is fully
// buffered. Non-blocking.
func (p *Process) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// DrainOutput returns the buffered output. After exit it returns everything
// left; while running it blocks until at least one chunk is available, the
// process exits or ctx is done. A done ctx wins over buffered output while
// the process is still running.
func (p *Process) DrainOutput(ctx context.Context) (stdout, stderr string, err error) {
	if err := ctx.Err(); err != nil && !p.IsDone() {
		return "", "", err
	}
	for !p.IsDone() {
		p.mu.Lock()
		empty := p.stdout.Len() == 0 && p.stderr.Len() == 0
		p.mu.Unlock()
		if !empty {
			break
		}
		// ready may carry a token for data an earlier call already took, so
		// re-check the buffers after every wake-up.
		select {
		case <-p.ready:
		case <-p.done:
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	stdout, stderr = p.stdout.String(), p.stderr.String()
	p.stdout.Reset()
	p.stderr.Reset()
	return stdout, stderr, nil
}

// ExitCode is valid once IsDone reports true; -1 if killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err reports a failure to collect the process result, as opposed to a
// non-zero exit.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill terminates the process. Failures are logged, never returned.
func (p *Process) Kill() {
	if p.IsDone() {
		return
	}
	if err := kill(p.cmd); err != nil {
		p.logger.Warn("kill failed", lg.Err(err))
		return
	}
	p.logger.Info("process killed")
}
