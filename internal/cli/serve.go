package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runloom/runloom/internal/api"
	"github.com/runloom/runloom/internal/config"
	"github.com/runloom/runloom/internal/logger"
	"github.com/runloom/runloom/internal/metrics"
	"github.com/runloom/runloom/pkg/conversation"
	"github.com/runloom/runloom/pkg/engine"
	"github.com/runloom/runloom/pkg/eventbus"
	"github.com/runloom/runloom/pkg/ledger"
	"github.com/runloom/runloom/pkg/provider"
	"github.com/runloom/runloom/pkg/store"
	"github.com/runloom/runloom/pkg/stream"
	"github.com/runloom/runloom/pkg/tool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Runloom server",
	Long: `Start the HTTP server, recover any runs interrupted by the previous
process, and begin accepting run requests.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Zerolog()

	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemoryStore()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		st, err = store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
	}
	defer st.Close()

	m := metrics.NewMetrics()
	bus := eventbus.New(log,
		eventbus.WithBuffer(cfg.Stream.Buffer),
		eventbus.WithDropHook(m.EventsDroppedTotal.Inc),
	)
	led := ledger.New(st, bus, log)

	registry := tool.NewRegistry(log)
	if err := tool.RegisterBuiltins(registry, tool.Options{SearchEndpoint: cfg.Tools.SearchEndpoint}); err != nil {
		return err
	}
	for _, name := range cfg.Tools.Disabled {
		if err := registry.SetEnabled(name, false); err != nil {
			log.Warn().Str("tool", name).Msg("Cannot disable unknown tool")
		}
	}

	var decider provider.Decider
	switch cfg.Model.Provider {
	case "openai":
		decider = provider.NewOpenAI(cfg.Model.APIKey)
	default:
		decider = provider.NewAnthropic(cfg.Model.APIKey)
	}
	decider = provider.WithRetry(decider, cfg.Model.MaxAttempts, cfg.Model.Backoff(), log)

	var conv conversation.Loader = &conversation.StaticLoader{}
	if sq, ok := st.(*store.SQLiteStore); ok {
		conv = conversation.NewSQLiteLoader(sq.DB(), log)
	}

	eng := engine.New(st, led, registry, decider, conv, m, log, engine.Config{
		Model:         cfg.Model.Name,
		SystemPrompt:  cfg.Model.SystemPrompt,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
		MaxIterations: cfg.Run.MaxIterations,
		RunTimeout:    cfg.Run.Timeout(),
		ToolTimeout:   cfg.Run.ToolTimeout(),
	})

	recovered, err := eng.RecoverInterrupted(cmd.Context())
	if err != nil {
		return err
	}
	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("Recovered interrupted runs from previous process")
	}

	janitor, err := engine.NewJanitor(eng, cfg.Run.JanitorSchedule, time.Minute)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	srv := api.NewServer(api.Config{
		Addr:      cfg.Server.Addr(),
		Store:     st,
		Engine:    eng,
		Streamer:  stream.New(st, led, bus, log),
		Registry:  registry,
		Metrics:   m,
		Logger:    log,
		Heartbeat: cfg.Stream.Heartbeat(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
