package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	consumer "github.com/glimte/durable-consumer"
	"github.com/glimte/durable-consumer/health"
	"github.com/glimte/durable-consumer/internal/config"
	"github.com/glimte/durable-consumer/internal/logging"
	"github.com/glimte/durable-consumer/internal/orders"
	"github.com/glimte/durable-consumer/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// interruptSignals end a run cleanly with status 0. SIGTERM keeps its default
// disposition so a supervisor can tell a kill from an operator stop.
var interruptSignals = []os.Signal{os.Interrupt}

type flags struct {
	configFile string
	envFile    string
	queue      string
	handler    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "consumer",
		Short: "Consume one durable RabbitMQ queue",
		Long: `consumer declares a durable queue, hands every message to the configured
handler and acknowledges it. When consumption breaks it records the failure
and exits non-zero so the process supervisor can start it again.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&f.configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&f.queue, "queue", "q", "", "queue to consume (defaults to consumer.queue, then the handler name)")
	rootCmd.PersistentFlags().StringVar(&f.handler, "handler", "", "handler to run: orders, draft_create or draft_update")

	rootCmd.AddCommand(newRunCmd(&f), newCheckCmd(&f))
	return rootCmd
}

func newRunCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume the queue until interrupted or the broker connection breaks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}

			logger, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			callback, err := orders.Lookup(
				orders.Handlers(orders.LogProcessor{Logger: logger}, cfg.Consumer.SettleDelay),
				cfg.Consumer.Handler,
			)
			if err != nil {
				return err
			}

			strategy, err := cfg.AckStrategy()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals...)
			defer stop()

			var c *consumer.Consumer
			c, err = consumer.New(cfg.Consumer.Queue, cfg.BrokerURL(), callback, consumer.NewHandle(logger),
				consumer.WithDialConfig(cfg.Broker.Heartbeat, cfg.Broker.ConnectionName),
				consumer.WithConnectTimeout(cfg.Broker.ConnectTimeout),
				consumer.WithConsumerTag(cfg.Consumer.Tag),
				consumer.WithAcknowledgmentStrategy(strategy),
				consumer.WithUnclassifiedDelay(cfg.Consumer.UnclassifiedDelay),
				consumer.WithExitFunc(func(code int) {
					logStats(logger, c)
					closer.Close()
					os.Exit(code)
				}),
			)
			if err != nil {
				return err
			}

			logger.Info("starting consumer",
				"queue", cfg.Consumer.Queue,
				"handler", cfg.Consumer.Handler,
				"broker", rabbitmq.SanitizeURL(cfg.BrokerURL()),
				"ackMode", strategy.String())

			runErr := c.Run(ctx)
			logStats(logger, c)

			var failure *consumer.Failure
			if errors.As(runErr, &failure) {
				logger.Error("consumer stopped", "queue", failure.Queue, "kind", failure.Kind.String(), "error", failure.Err)
			}
			return runErr
		},
	}
}

func newCheckCmd(f *flags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the broker is reachable and the queue can be declared",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}

			logger, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			registry := health.NewRegistry()
			registry.Register(health.NewBrokerChecker(
				cfg.BrokerURL(),
				cfg.Consumer.Queue,
				rabbitmq.NewAMQPDialer(rabbitmq.DialConfig{
					Heartbeat:      cfg.Broker.Heartbeat,
					ConnectionName: cfg.Broker.ConnectionName + "-check",
				}),
				cfg.Broker.ConnectTimeout,
				logger,
			))
			registry.Register(health.NewRuntimeChecker(500, 1000))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report := registry.Check(ctx)
			if err := printReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("health check %s", report.Status)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "overall check timeout")
	return cmd
}

func loadConfig(f *flags) (config.Config, error) {
	cfg, err := config.Load(config.Options{File: f.configFile, EnvFile: f.envFile})
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	if f.handler != "" {
		cfg.Consumer.Handler = f.handler
	}
	if f.queue != "" {
		cfg.Consumer.Queue = f.queue
	}
	if cfg.Consumer.Queue == "" {
		cfg.Consumer.Queue = cfg.Consumer.Handler
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Component:  cfg.Consumer.Queue,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

func logStats(logger *slog.Logger, c *consumer.Consumer) {
	stats := c.Stats()
	logger.Info("consumer stats",
		"queue", c.Queue(),
		"state", c.State().String(),
		"delivered", stats.Delivered,
		"acknowledged", stats.Acknowledged,
		"callbackFailures", stats.CallbackFailures,
		"stops", stats.StopsByKind)
}

func printReport(w io.Writer, report health.OverallHealth) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
