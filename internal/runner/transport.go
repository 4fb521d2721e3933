package runner

import (
	"context"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/local"
	"github.com/andrej220/hexactl/internal/remote"
)

// Channel is one remote command in flight.
type Channel interface {
	Poll() (remote.ChannelStatus, error)
	ReadAvailable() (stdout, stderr string, err error)
	Close() error
}

// Session is a connection to a remote target.
type Session interface {
	Connect(ctx context.Context, host string, port int, username, password string) error
	OpenChannel(command string) (Channel, error)
	Disconnect() error
	State() remote.ConnectionState
}

// Process is a procedure running on this machine.
type Process interface {
	IsDone() bool
	DrainOutput(ctx context.Context) (stdout, stderr string, err error)
	ExitCode() int
	Err() error
	Kill()
}

type (
	SessionFactory func() Session
	SpawnFunc      func(argv []string) (Process, error)
)

type sshSession struct {
	*remote.Session
}

func (s sshSession) OpenChannel(command string) (Channel, error) {
	ch, err := s.Session.OpenChannel(command)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SSHSessions creates sessions backed by golang.org/x/crypto/ssh.
func SSHSessions(opts remote.Options) SessionFactory {
	return func() Session { return sshSession{remote.NewSession(opts)} }
}

// LocalSpawner starts subprocesses with interpreters chosen by resolver.
func LocalSpawner(resolver local.Resolver, logger lg.Logger) SpawnFunc {
	return func(argv []string) (Process, error) {
		p, err := local.Spawn(argv, resolver, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
