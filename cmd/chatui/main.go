package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"ChatUI/internal/backend"
	"ChatUI/internal/cache"
	"ChatUI/internal/config"
	"ChatUI/internal/store"
	"ChatUI/internal/telemetry"
	"ChatUI/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree; flags are bound to v under their
// config key names.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "chatui",
		Short: "Browser chat UI for a locally hosted LLM",
		Long: `chatui serves a chat page that talks to a local LLM runtime
(Ollama or any OpenAI-compatible server) and streams replies as they arrive.

Examples:
  chatui                                   # Ollama on localhost:11434
  chatui --model llama3.2:1b --listen :8080
  chatui --backend openai --backend-url http://localhost:8000
  chatui models                            # list the backend's models`,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ./chatui.yaml)")
	flags.String("backend", config.BackendOllama, "LLM backend (ollama|openai)")
	flags.String("backend-url", "http://localhost:11434", "Backend base URL")
	flags.String("model", "qwen2.5:0.5b-instruct", "Model identifier")
	flags.Bool("stream", true, "Stream replies fragment by fragment")
	flags.Bool("keep-alive", true, "Keep the model loaded indefinitely (Ollama)")
	flags.Float64("temperature", 0.7, "Sampling temperature")
	flags.String("system-prompt", "", "System prompt prepended to every session")
	flags.Duration("request-timeout", 0, "Total time limit per backend request (0 = none)")
	flags.Duration("stream-idle-timeout", 2*time.Minute, "Longest silence between reply fragments (0 = none)")
	flags.String("listen", ":8501", "UI listen address")
	flags.String("log-dir", "logs", "Directory for logs, traces and metrics")
	flags.BoolP("verbose", "v", false, "Debug logging, including the turn list after each reply")
	flags.Bool("telemetry", true, "Export traces and metrics to the log directory")
	flags.String("stats-db", "chatui.db", "SQLite turn ledger (empty disables)")

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		_ = v.BindPFlag(key, f)
	})

	root.AddCommand(newModelsCmd(v))
	return root
}

// runServer serves the UI until ctx is cancelled or a signal arrives
func runServer(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := telemetry.InitLogger(cfg.LogDir, cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := telemetry.Disabled()
	if cfg.Telemetry {
		provider, err = telemetry.InitTelemetry(ctx, cfg.LogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush telemetry", "error", err)
		}
	}()

	instruments, err := telemetry.NewInstruments(provider.Meter)
	if err != nil {
		return err
	}

	client, err := backend.New(cfg, logger)
	if err != nil {
		return err
	}

	deps := web.Deps{
		Client:      client,
		Models:      cache.NewModelCache(cfg.ModelsCacheTTL),
		Provider:    provider,
		Instruments: instruments,
		Logger:      logger,
	}
	if cfg.StatsDB != "" {
		ledger, err := store.NewSQLiteStore(cfg.StatsDB)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer ledger.Close()
		deps.Ledger = ledger
	}

	server := web.NewServer(cfg, deps)

	fmt.Println("=== ChatUI ===")
	fmt.Printf("Backend: %s (%s)\n", client.Name(), cfg.BackendURL)
	fmt.Printf("Model:   %s (streaming=%t)\n", cfg.Model, cfg.Stream)
	fmt.Printf("Open http://%s in your browser\n", displayAddr(cfg.Listen))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "sessions", server.SessionCount())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// displayAddr turns a listen address into something a browser can open
func displayAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return strings.Replace(listen, "0.0.0.0", "localhost", 1)
}
