package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andrej220/hexactl/internal/runner"
)

func (a *application) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List procedures and targets with the command line each combination runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			live, closeStore, err := a.openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			reg := live.Current()

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tADDRESS\tUSER\tSTARTUP\tSHUTDOWN")
			for i := range reg.Hexacontrollers {
				t := &reg.Hexacontrollers[i]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", t.Key(), t.Addr(), t.Username, len(t.StartupCommands), len(t.ShutdownCommands))
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "PROCEDURE\tTARGET\tCOMMAND")
			for _, p := range reg.Procedures {
				for _, name := range reg.TargetNames() {
					target, err := reg.Target(name)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, name, strings.TrimSpace(runner.BuildCommand(p, target)))
				}
			}
			return tw.Flush()
		},
	}
}
