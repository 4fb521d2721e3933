package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/andrej220/hexactl/pkg/registry"
)

func TestBuildCommand(t *testing.T) {
	proc := registry.Procedure{
		Name:          "scan",
		Executable:    "/bin/scan.py",
		InitialConfig: "/cfg/a.json",
		Options:       registry.Options{}.Set("depth", "-d", "3"),
	}
	remoteTarget := &registry.RemoteTarget{Hostname: "10.0.0.5", Port: 22}

	tests := []struct {
		name   string
		proc   registry.Procedure
		target registry.Target
		want   string
	}{
		{
			name:   "remote",
			proc:   proc,
			target: remoteTarget,
			want:   "/bin/scan.py -i 10.0.0.5 -p 22 -f /cfg/a.json -d 3",
		},
		{
			name:   "local",
			proc:   proc,
			target: registry.LocalTarget{},
			want:   "/bin/scan.py -f /cfg/a.json -d 3",
		},
		{
			name: "custom flags and option order",
			proc: registry.Procedure{
				Executable:    "run.sh",
				InitialConfig: "c.json",
				HostnameFlag:  "--host",
				PortFlag:      "--port",
				Options:       registry.Options{}.Set("z", "-z", "1").Set("a", "-a", "2"),
			},
			target: &registry.RemoteTarget{Hostname: "hexa", Port: 2222},
			want:   "run.sh --host hexa --port 2222 -f c.json -z 1 -a 2",
		},
		{
			name:   "zero port",
			proc:   registry.Procedure{Executable: "x", InitialConfig: "c"},
			target: &registry.RemoteTarget{Hostname: "h"},
			want:   "x -i h -p 22 -f c",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildCommand(tt.proc, tt.target)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, BuildCommand(tt.proc, tt.target))
		})
	}
}

func TestPhaseTransitions(t *testing.T) {
	assert.True(t, canTransition(Idle, Connecting))
	assert.True(t, canTransition(RunningStartup, RunningShutdown))
	assert.True(t, canTransition(RunningMain, Cancelled))
	assert.False(t, canTransition(RunningMain, RunningStartup))
	assert.False(t, canTransition(Completed, Failed))
	assert.False(t, canTransition(Cancelled, Cancelled))
	assert.Equal(t, "running_main", RunningMain.String())
	assert.True(t, RunningShutdown.Active())
	assert.False(t, Idle.Active())
}
