package registry

import (
	"net"
	"strconv"
)

const (
	DefaultSSHPort = 22
	LocalTargetKey = "local"
)

// Target is a machine a procedure executes on: a *RemoteTarget reached over
// SSH, or LocalTarget.
type Target interface {
	// Key identifies the target for busy tracking. Unique within a Registry.
	Key() string
	// Clone returns a deep copy that shares no mutable state with the receiver.
	Clone() Target
}

// RemoteTarget is a hexacontroller reachable over SSH. Credentials are opaque
// strings passed through to the transport.
type RemoteTarget struct {
	Name             string   `json:"name,omitempty" yaml:"name,omitempty" bson:"name,omitempty"`
	Hostname         string   `json:"hostname" yaml:"hostname" bson:"hostname" validate:"required"`
	Port             int      `json:"port" yaml:"port" bson:"port" validate:"min=1,max=65535"`
	Username         string   `json:"username" yaml:"username" bson:"username"`
	Password         string   `json:"password" yaml:"password" bson:"password"`
	StartupCommands  []string `json:"init_commands" yaml:"init_commands" bson:"init_commands"`
	ShutdownCommands []string `json:"shutdown_commands" yaml:"shutdown_commands" bson:"shutdown_commands"`
	DAQServerStart   string   `json:"daq_server_start_cmd" yaml:"daq_server_start_cmd" bson:"daq_server_start_cmd"`
	SCServerStart    string   `json:"sc_server_start_cmd" yaml:"sc_server_start_cmd" bson:"sc_server_start_cmd"`
}

func (t *RemoteTarget) Key() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Hostname
}

// Addr is the host:port dial address.
func (t *RemoteTarget) Addr() string {
	return net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
}

func (t *RemoteTarget) Clone() Target {
	c := *t
	c.StartupCommands = append([]string(nil), t.StartupCommands...)
	c.ShutdownCommands = append([]string(nil), t.ShutdownCommands...)
	return &c
}

func (t *RemoteTarget) applyDefaults() {
	if t.Port == 0 {
		t.Port = DefaultSSHPort
	}
	if t.Name == "" {
		t.Name = t.Hostname
	}
}

// LocalTarget runs procedures on this machine.
type LocalTarget struct{}

func (LocalTarget) Key() string    { return LocalTargetKey }
func (LocalTarget) Clone() Target  { return LocalTarget{} }
