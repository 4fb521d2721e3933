package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "root"
	testPassword = "hexa"
	// dropExit makes the test server close the channel without exit-status.
	dropExit = -1
	// detach sends exit-status 0 but leaves the channel open, like a shell
	// whose background child still holds stdout.
	detach = -2
	// killed reports termination by SIGKILL through exit-signal.
	killed = -3
)

// testHandler runs command and returns its exit status.
type testHandler func(command string, stdout, stderr io.Writer) int

type testServer struct {
	host    string
	port    int
	handler testHandler

	mu       sync.Mutex
	commands []string
}

func newTestServer(t *testing.T, handler testHandler) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	srv := &testServer{host: host, port: port, handler: handler}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, cfg)
		}
	}()
	return srv
}

func (s *testServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs)
	}
}

func (s *testServer) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		go func(command string) {
			switch code := s.handler(command, ch, ch.Stderr()); code {
			case dropExit:
			case detach:
				status := struct{ Status uint32 }{0}
				ch.SendRequest("exit-status", false, ssh.Marshal(&status))
				return
			case killed:
				sig := struct {
					Signal     string
					CoreDumped bool
					Error      string
					Lang       string
				}{Signal: "KILL"}
				ch.SendRequest("exit-signal", false, ssh.Marshal(&sig))
			default:
				status := struct{ Status uint32 }{uint32(code)}
				ch.SendRequest("exit-status", false, ssh.Marshal(&status))
			}
			ch.Close()
		}(payload.Command)
	}
}

func (s *testServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// shellish understands "echo <text>", "warn <text>", "exit <n>", "drop",
// "daemon <text>", "killed" and "sleep <ms>".
func shellish(command string, stdout, stderr io.Writer) int {
	verb, arg, _ := strings.Cut(command, " ")
	switch verb {
	case "echo":
		fmt.Fprintln(stdout, arg)
	case "warn":
		fmt.Fprintln(stderr, arg)
	case "exit":
		n, _ := strconv.Atoi(arg)
		return n
	case "drop":
		return dropExit
	case "daemon":
		fmt.Fprintln(stdout, arg)
		return detach
	case "killed":
		return killed
	case "sleep":
		ms, _ := strconv.Atoi(arg)
		time.Sleep(time.Duration(ms) * time.Millisecond)
	default:
		fmt.Fprintf(stderr, "%s: command not found\n", verb)
		return 127
	}
	return 0
}

func connected(t *testing.T, srv *testServer) *Session {
	t.Helper()
	s := NewSession(Options{DialTimeout: 2 * time.Second})
	require.NoError(t, s.Connect(context.Background(), srv.host, srv.port, testUser, testPassword))
	t.Cleanup(func() { s.Disconnect() })
	return s
}

// drain polls ch until it exits and returns all of its output.
func drain(t *testing.T, ch *CommandChannel) (string, string, ChannelStatus, error) {
	t.Helper()
	var stdout, stderr strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, errOut, err := ch.ReadAvailable()
		stdout.WriteString(out)
		stderr.WriteString(errOut)
		if err != nil {
			return stdout.String(), stderr.String(), Running, err
		}
		status, err := ch.Poll()
		if status.Exited || err != nil {
			out, errOut, _ := ch.ReadAvailable()
			stdout.WriteString(out)
			stderr.WriteString(errOut)
			return stdout.String(), stderr.String(), status, err
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("channel did not exit")
	return "", "", Running, nil
}

func TestConnectAndRunCommand(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)
	assert.Equal(t, Connected, s.State())

	ch, err := s.OpenChannel("echo hello")
	require.NoError(t, err)
	defer ch.Close()

	stdout, stderr, status, err := drain(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout)
	assert.Empty(t, stderr)
	assert.Equal(t, Exited(0), status)
	assert.Equal(t, []string{"echo hello"}, srv.Commands())
}

func TestStderrAndExitCode(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)

	ch, err := s.OpenChannel("warn boom")
	require.NoError(t, err)
	_, stderr, status, err := drain(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "boom\n", stderr)
	assert.Equal(t, Exited(0), status)

	ch, err = s.OpenChannel("exit 3")
	require.NoError(t, err)
	_, _, status, err = drain(t, ch)
	require.NoError(t, err)
	assert.Equal(t, Exited(3), status)
}

func TestMissingExitStatusIsTransmissionError(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)

	ch, err := s.OpenChannel("drop")
	require.NoError(t, err)
	_, _, _, err = drain(t, ch)
	assert.ErrorIs(t, err, ErrTransmission)
}

func TestExitStatusWhileOutputStaysOpen(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)

	ch, err := s.OpenChannel("daemon started")
	require.NoError(t, err)
	defer ch.Close()

	stdout, _, status, err := drain(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "started\n", stdout)
	assert.Equal(t, Exited(0), status)
}

func TestExitSignal(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)

	ch, err := s.OpenChannel("killed")
	require.NoError(t, err)
	_, _, status, err := drain(t, ch)
	require.NoError(t, err)
	assert.Equal(t, Exited(137), status)
}

func TestConcurrentChannels(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)

	slow, err := s.OpenChannel("sleep 200")
	require.NoError(t, err)
	fast, err := s.OpenChannel("echo fast")
	require.NoError(t, err)

	out, _, status, err := drain(t, fast)
	require.NoError(t, err)
	assert.Equal(t, "fast\n", out)
	assert.True(t, status.Exited)

	st, err := slow.Poll()
	require.NoError(t, err)
	assert.False(t, st.Exited)

	_, _, status, err = drain(t, slow)
	require.NoError(t, err)
	assert.Equal(t, Exited(0), status)
}

func TestReadAvailableEmptyWhileIdle(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)

	ch, err := s.OpenChannel("sleep 100")
	require.NoError(t, err)
	defer ch.Close()

	out, errOut, err := ch.ReadAvailable()
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, errOut)
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)

	ch, err := s.OpenChannel("sleep 1000")
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		ch.Close()
		ch.Close()
	})
}

func TestConnectErrors(t *testing.T) {
	srv := newTestServer(t, shellish)

	t.Run("auth rejected", func(t *testing.T) {
		s := NewSession(Options{DialTimeout: 2 * time.Second})
		err := s.Connect(context.Background(), srv.host, srv.port, testUser, "wrong")
		var cerr *ConnectError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, AuthRejected, cerr.Reason)
		assert.Equal(t, Failed, s.State())
	})

	t.Run("unreachable", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().(*net.TCPAddr)
		ln.Close()

		s := NewSession(Options{DialTimeout: time.Second})
		err = s.Connect(context.Background(), "127.0.0.1", addr.Port, testUser, testPassword)
		var cerr *ConnectError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, Unreachable, cerr.Reason)
	})

	t.Run("protocol error", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 256)
			conn.Read(buf) // client version line
			conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			conn.Close()
		}()
		addr := ln.Addr().(*net.TCPAddr)

		s := NewSession(Options{DialTimeout: time.Second})
		err = s.Connect(context.Background(), "127.0.0.1", addr.Port, testUser, testPassword)
		var cerr *ConnectError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, ProtocolError, cerr.Reason)
	})

	t.Run("already connected", func(t *testing.T) {
		s := connected(t, srv)
		err := s.Connect(context.Background(), srv.host, srv.port, testUser, testPassword)
		assert.ErrorIs(t, err, ErrAlreadyConnected)
	})
}

func TestNotConnected(t *testing.T) {
	s := NewSession(Options{})
	_, err := s.OpenChannel("echo x")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, s.Disconnect())
	assert.Equal(t, Disconnected, s.State())
}

func TestDisconnectThenOpen(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())

	_, err := s.OpenChannel("echo x")
	assert.ErrorIs(t, err, ErrNotConnected)

	// A disconnected session can be reconnected.
	require.NoError(t, s.Connect(context.Background(), srv.host, srv.port, testUser, testPassword))
}

func TestSessionRun(t *testing.T) {
	srv := newTestServer(t, shellish)
	s := connected(t, srv)

	var out strings.Builder
	code, err := s.Run(context.Background(), "echo daq up", 5*time.Millisecond, func(stdout, _ string) {
		out.WriteString(stdout)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "daq up\n", out.String())

	code, err = s.Run(context.Background(), "nosuch", 5*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, 127, code)
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	assert.True(t, Probe(context.Background(), addr))
	ln.Close()
	assert.False(t, Probe(context.Background(), addr))
	assert.False(t, Probe(context.Background(), "host.invalid"))
}

func TestEachSessionOwnsItsBackoff(t *testing.T) {
	var built int
	opts := Options{
		DialTimeout:    time.Second,
		ConnectRetries: 2,
		NewBackoff: func() backoff.BackOff {
			built++
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	}
	a, b := NewSession(opts), NewSession(opts)
	assert.Equal(t, 2, built)
	assert.NotSame(t, a.backoff, b.backoff)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	err = a.Connect(context.Background(), "127.0.0.1", port, testUser, testPassword)
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, Unreachable, cerr.Reason)
}
