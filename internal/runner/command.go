package runner

import (
	"strconv"
	"strings"

	"github.com/andrej220/hexactl/pkg/registry"
)

// BuildArgs returns the argument vector that runs proc against target:
// executable, then hostname and port for remote targets, then the initial
// config file, then the procedure options in declaration order.
func BuildArgs(proc registry.Procedure, target registry.Target) []string {
	args := []string{proc.Executable}
	if rt, ok := target.(*registry.RemoteTarget); ok {
		port := rt.Port
		if port == 0 {
			port = registry.DefaultSSHPort
		}
		args = append(args,
			orDefault(proc.HostnameFlag, registry.DefaultHostnameFlag), rt.Hostname,
			orDefault(proc.PortFlag, registry.DefaultPortFlag), strconv.Itoa(port),
		)
	}
	args = append(args, registry.ConfigFlag, proc.InitialConfig)
	return append(args, proc.Options.Args()...)
}

// BuildCommand joins BuildArgs into the single command line sent to a remote
// shell.
func BuildCommand(proc registry.Procedure, target registry.Target) string {
	return strings.Join(BuildArgs(proc, target), " ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
