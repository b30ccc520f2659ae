package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/raris-stream/internal/answer"
	"github.com/tjfontaine/raris-stream/internal/api/raris"
	"github.com/tjfontaine/raris-stream/internal/pkg/config"
	"github.com/tjfontaine/raris-stream/internal/progress"
	"github.com/tjfontaine/raris-stream/internal/telemetry"
	"github.com/tjfontaine/raris-stream/internal/tokens"
	"github.com/tjfontaine/raris-stream/internal/transport"
)

var (
	configPath string
	logLevel   string

	logger         *slog.Logger
	client         *raris.Client
	shutdownTracer func(context.Context) error
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "raris-stream",
	Short: "Follow RARIS discovery runs and stream regulatory answers",
	Long: `raris-stream talks to a RARIS API server.

It starts and follows source discovery runs, streams answers to regulatory
questions with their citations resolved, and looks up citations and corpus
statistics.

Settings come from raris.yaml (or --config) and RARIS_ environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if it exists
		_ = godotenv.Load()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		}))
		slog.SetDefault(logger)

		if cfg.Telemetry.Enabled {
			shutdownTracer, err = telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}
		}

		client = newClient(cfg, logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownTracer == nil {
			return nil
		}
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
		return nil
	},
}

func newClient(cfg *config.Config, logger *slog.Logger) *raris.Client {
	opts := []transport.ClientOption{
		transport.WithAPIKey(cfg.API.APIKey),
		transport.WithAuthHeader(cfg.API.AuthHeader),
		transport.WithUserAgent(cfg.API.UserAgent),
		transport.WithLogger(logger),
		transport.WithRetryDelay(cfg.Retry.DefaultDelay, cfg.Retry.MaxDelay),
	}
	if cfg.Telemetry.Enabled {
		opts = append(opts, transport.WithTracing())
	}

	return raris.NewClient(transport.NewClient(cfg.API.BaseURL, opts...),
		raris.WithLogger(logger),
		raris.WithTimeout(cfg.API.Timeout),
		raris.WithSessionOptions(
			progress.WithMaxLineBytes(cfg.Stream.MaxLineBytes),
			progress.WithReadBuffer(cfg.Stream.ReadBuffer),
		),
		raris.WithAnswerOptions(
			answer.WithMaxLineBytes(cfg.Stream.MaxLineBytes),
			answer.WithReadBuffer(cfg.Stream.ReadBuffer),
			answer.WithTokenCounter(tokens.NewCounter(logger)),
		),
	)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: "+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(citationCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}
