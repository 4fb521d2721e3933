package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/runner"
	"github.com/andrej220/hexactl/pkg/registry"
)

const exitCancelled = 130

func (a *application) runCommand() *cobra.Command {
	var procName, targetName string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a procedure against a target and stream its log",
		Long: "Runs the named procedure on a Hexacontroller (startup commands, the procedure, " +
			"shutdown commands) or locally, and exits with the procedure's exit code. " +
			"Interrupting cancels the run; shutdown commands still run.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			live, closeStore, err := a.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer closeStore()
			proc, err := live.Procedure(procName)
			if err != nil {
				return err
			}
			target, err := live.Target(targetName)
			if err != nil {
				return err
			}

			r := a.newRunner(nil)
			defer r.Close()
			run, err := r.Start(proc, target)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				run.Cancel()
			}()

			for rec := range run.Watch(context.WithoutCancel(ctx)) {
				a.printRecord(rec)
			}
			a.logger.Info("run finished", lg.String("run", run.ID.String()), lg.String("phase", run.Phase().String()))
			return runExit(run)
		},
	}
	cmd.Flags().StringVarP(&procName, "procedure", "p", "", "Procedure name.")
	cmd.Flags().StringVarP(&targetName, "target", "t", registry.LocalTargetKey, "Target name, or \"local\".")
	_ = cmd.MarkFlagRequired("procedure")
	return cmd
}

func (a *application) printRecord(rec runner.Record) {
	switch rec.Stream {
	case runner.Stdout:
		fmt.Fprintln(a.stdout, rec.Text)
	case runner.Stderr:
		fmt.Fprintln(a.stderr, rec.Text)
	default:
		fmt.Fprintf(a.stderr, "== %s\n", rec.Text)
	}
}

// runExit maps a finished run to the process exit status: the procedure's
// own exit code when it ran and failed, 130 when cancelled, 1 otherwise.
func runExit(run *runner.Run) error {
	switch run.Phase() {
	case runner.Completed:
		return nil
	case runner.Cancelled:
		return &exitError{code: exitCancelled}
	}
	var runErr *runner.RunError
	if errors.As(run.Err(), &runErr) && runErr.Kind == runner.MainFailed && runErr.ExitCode > 0 {
		return &exitError{code: runErr.ExitCode}
	}
	return &exitError{code: 1}
}
