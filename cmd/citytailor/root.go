package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/citytailor/internal/api"
	"github.com/hyperengineering/citytailor/internal/backup"
	"github.com/hyperengineering/citytailor/internal/config"
	"github.com/hyperengineering/citytailor/internal/contextmon"
	"github.com/hyperengineering/citytailor/internal/kv"
	"github.com/hyperengineering/citytailor/internal/learning"
	"github.com/hyperengineering/citytailor/internal/rules"
	"github.com/hyperengineering/citytailor/internal/score"
	"github.com/hyperengineering/citytailor/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "citytailor",
	Short: "CityTailor - real-time learning and recommendation engine",
	RunE:  run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(rulesCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	backend, err := kv.NewSQLite(cfg.Database.Path)
	if err != nil {
		return err
	}
	guard := kv.NewGuard(backend, kv.GuardConfig{
		Name:             "rules-kv",
		Timeout:          time.Duration(cfg.Rules.StoreTimeout),
		FailureThreshold: cfg.Rules.BreakerFailures,
		OpenTimeout:      time.Duration(cfg.Rules.BreakerOpen),
	})
	slog.Info("store initialized", "path", cfg.Database.Path)

	ruleStore, err := rules.NewStore(guard, rules.Config{
		CacheSize:    cfg.Rules.CacheSize,
		Smoothing:    cfg.Rules.Smoothing,
		RetryBackoff: time.Duration(cfg.Rules.RetryBackoff),
	})
	if err != nil {
		guard.Close()
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		guard.Close()
		return fmt.Errorf("resolve timezone %q: %w", cfg.Context.Timezone, err)
	}
	monitor := contextmon.New(ctx,
		contextmon.NewSimulatedWeather(cfg.Context.WeatherSeed),
		newDevice(cfg.Context),
		contextmon.Config{
			TimeRefreshInterval:    time.Duration(cfg.Context.TimeRefreshInterval),
			WeatherRefreshInterval: time.Duration(cfg.Context.WeatherRefreshInterval),
			Location:               loc,
		})
	snap := monitor.Snapshot()
	slog.Info("context monitor initialized", "time_of_day", snap.TimeOfDay, "season", snap.Season, "weather", snap.Weather)

	engine := newEngine(cfg, ruleStore, monitor)
	if err := engine.Start(ctx); err != nil {
		guard.Close()
		return err
	}

	handler := api.NewHandler(engine, guard, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	decay := worker.NewRuleDecayWorker(ruleStore,
		time.Duration(cfg.Rules.DecayInterval), cfg.Rules.DecayAmount)
	startWorker(ctx, &wg, "rule-decay", decay.Run)

	if cfg.Backup.Enabled() {
		uploader, err := backup.NewUploader(cfg.Backup)
		if err != nil {
			slog.Error("backup disabled", "error", err)
		} else {
			backups := worker.NewRuleBackupWorker(backend, uploader,
				time.Duration(cfg.Backup.Interval), cfg.Backup.Dir)
			startWorker(ctx, &wg, "rule-backup", backups.Run)
		}
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error after Shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Stop accepting events before draining the queue
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Error("engine stop error", "error", err)
	}

	wg.Wait()

	if err := guard.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newEngine builds the learning engine from configuration. Start logs its settings.
func newEngine(cfg *config.Config, store *rules.Store, source learning.ContextSource) *learning.Engine {
	return learning.NewEngine(store, source,
		score.New(score.Config{
			RuleNormalization: cfg.Scoring.RuleNormalization,
			DefaultLimit:      cfg.Scoring.DefaultLimit,
			MaxLimit:          cfg.Scoring.MaxLimit,
		}),
		learning.Config{
			BatchInterval:     time.Duration(cfg.Learning.BatchInterval),
			Workers:           cfg.Learning.Workers,
			CriticalEvents:    cfg.CriticalEventTypes(),
			DiscardOnShutdown: !cfg.Learning.DrainOnShutdown,
			SessionDecayRate:  cfg.Rules.SessionDecayRate,
			IgnorePenalty:     cfg.Rules.IgnorePenalty,
			RejectionPenalty:  cfg.Rules.RejectionPenalty,
		})
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newDevice builds the static device source. device_class "auto" derives the
// mobile flag from the configured screen width.
func newDevice(cfg config.ContextConfig) contextmon.StaticDevice {
	d := contextmon.NewStaticDevice(cfg.ScreenWidth, cfg.ScreenHeight, cfg.ConnectionClass)
	switch cfg.DeviceClass {
	case "mobile":
		d.IsMobile = true
	case "desktop":
		d.IsMobile = false
	}
	return d
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
