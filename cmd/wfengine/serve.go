package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/container"
	apihttp "github.com/garyjia/workflow-engine/internal/interfaces/http"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the timer/SLA scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags, false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if port > 0 {
				cfg.Server.Port = port
			}

			logger.Info("Starting workflow engine",
				zap.String("version", version),
				zap.String("address", cfg.Server.Addr()),
				zap.Bool("scheduler", cfg.Scheduler.Enabled),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := container.NewContainer(cfg, logger)
			if err != nil {
				return err
			}
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				if err := c.Close(); err != nil {
					logger.Error("Shutdown finished with errors", zap.Error(err))
				}
			}()

			deps := apihttp.Deps{
				Engine:    c.WorkflowEngine(),
				Templates: c.Repositories().Templates,
				Sweeper:   c.SweepWorker(),
				Exporter:  c.HistoryExporter(),
				Health: func(ctx context.Context) (bool, any) {
					h := c.Health(ctx)
					return h.Overall, h.Components
				},
			}
			if m := c.Metrics(); m != nil {
				deps.Metrics = m.Handler()
			}

			server := apihttp.NewServer(cfg.Server, deps, logger)
			return server.Start(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server.port")
	return cmd
}
