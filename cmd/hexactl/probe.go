package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/remote"
	"github.com/andrej220/hexactl/internal/runner"
	"github.com/andrej220/hexactl/pkg/registry"
)

func (a *application) probeCommand() *cobra.Command {
	var targetName, host string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check whether a target accepts SSH connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if host == "" {
				if targetName == "" {
					return fmt.Errorf("one of --target or --host is required")
				}
				live, closeStore, err := a.openRegistry(cmd.Context())
				if err != nil {
					return err
				}
				defer closeStore()
				rt, err := remoteTarget(live, targetName)
				if err != nil {
					return err
				}
				host = rt.Addr()
			}

			if !remote.Probe(cmd.Context(), host) {
				fmt.Fprintf(a.stdout, "%s: unreachable\n", host)
				return &exitError{code: 1}
			}
			fmt.Fprintf(a.stdout, "%s: reachable\n", host)
			return nil
		},
	}
	cmd.Flags().StringVarP(&targetName, "target", "t", "", "Target name from the registry.")
	cmd.Flags().StringVar(&host, "host", "", "Host or host:port to probe directly.")
	return cmd
}

func remoteTarget(live *registry.Live, name string) (*registry.RemoteTarget, error) {
	target, err := live.Target(name)
	if err != nil {
		return nil, err
	}
	rt, ok := target.(*registry.RemoteTarget)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNotRemote, name)
	}
	return rt, nil
}

func (a *application) serviceCommand() *cobra.Command {
	var targetName string
	cmd := &cobra.Command{
		Use:       "service {daq|sc}",
		Short:     "Start the DAQ or slow-control server on a target",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"daq", "sc"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			live, closeStore, err := a.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer closeStore()
			rt, err := remoteTarget(live, targetName)
			if err != nil {
				return err
			}
			command := rt.DAQServerStart
			if args[0] == "sc" {
				command = rt.SCServerStart
			}
			if command == "" {
				return fmt.Errorf("target %s has no %s server start command", rt.Key(), args[0])
			}

			sess := remote.NewSession(a.sessionOptions())
			if err := sess.Connect(ctx, rt.Hostname, rt.Port, rt.Username, rt.Password); err != nil {
				return err
			}
			defer func() {
				if err := sess.Disconnect(); err != nil {
					a.logger.Warn("disconnect failed", lg.Err(err))
				}
			}()

			a.logger.Info("starting server", lg.String("service", args[0]), lg.String("target", rt.Key()))
			interval := a.cfg.PollInterval
			if interval <= 0 {
				interval = runner.DefaultPollInterval
			}
			code, err := sess.Run(ctx, command, interval, func(stdout, stderr string) {
				fmt.Fprint(a.stdout, stdout)
				fmt.Fprint(a.stderr, stderr)
			})
			switch {
			case ctx.Err() != nil:
				return &exitError{code: exitCancelled}
			case err != nil:
				return err
			case code != 0:
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&targetName, "target", "t", "", "Target name from the registry.")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}
