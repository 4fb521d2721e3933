package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/hexactl/internal/api"
	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/queue"
	"github.com/andrej220/hexactl/internal/serverutil"
	datamodels "github.com/andrej220/hexactl/pkg/shared-models"
)

func (a *application) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP and, with Kafka brokers configured, accept queued run requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			live, closeStore, err := a.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := live.Watch(); err != nil {
				a.logger.Warn("registry watch failed, changes need a restart", lg.Err(err))
			}

			r := a.newRunner(nil)
			defer r.Close()
			var reports api.ReportLoader
			if store := a.reportStore(); store != nil {
				reports = store
			}
			srv := api.New(live, r, reports, a.logger)

			serverCfg := serverutil.DefaultServerConfig()
			serverCfg.Port = a.cfg.Server.Port
			// Log streams stay open for the length of a run.
			serverCfg.WriteTimeout = 0
			serverCfg.ShutdownTimeout = 10 * time.Second

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return serverutil.RunServer(gctx, srv.Handler(), serverCfg, a.logger)
			})
			if len(a.cfg.Kafka.Brokers) > 0 {
				pub := queue.NewPublisher(a.cfg.Kafka, a.logger)
				defer pub.Close()
				consumer := queue.NewConsumer[datamodels.RunRequest](a.cfg.Kafka)
				defer consumer.Close()
				a.logger.Info("accepting queued run requests", lg.Strings("brokers", a.cfg.Kafka.Brokers), lg.String("topic", a.cfg.Kafka.RequestsTopic))
				g.Go(func() error {
					return queue.Serve(gctx, consumer, srv.Start, pub, a.logger)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().String("port", "", "HTTP port.")
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}
