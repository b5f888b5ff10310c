// Command wfengine runs the workflow engine API and its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/config"
	"github.com/garyjia/workflow-engine/internal/container"
	"github.com/garyjia/workflow-engine/pkg/logging"
)

const version = "1.0.0"

type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "wfengine",
		Short:         "Workflow execution engine",
		Long:          "Run workflow instances through versioned template graphs, fire timers and report SLA breaches",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "Dotenv files to load before reading the environment (default .env)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override logger.level")

	rootCmd.AddCommand(
		serveCmd(flags),
		sweepCmd(flags),
		templateCmd(flags),
		historyCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the logger. CLI commands other
// than serve log to stderr so their stdout stays machine-readable.
func loadConfig(flags *globalFlags, cli bool) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flags.configPath, flags.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}

	logCfg := logging.Config{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
		Service:    cfg.Tracing.ServiceName,
	}
	if cli && (logCfg.OutputPath == "" || logCfg.OutputPath == "stdout") {
		logCfg.OutputPath = "stderr"
	}

	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// startContainer builds a container without background workers for one-shot commands
func startContainer(ctx context.Context, flags *globalFlags) (*container.Container, func(), error) {
	cfg, logger, err := loadConfig(flags, true)
	if err != nil {
		return nil, nil, err
	}

	c, err := container.NewContainer(cfg, logger, container.WithoutWorkers())
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	cleanup := func() {
		if err := c.Close(); err != nil {
			logger.Warn("Container close failed", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return c, cleanup, nil
}
