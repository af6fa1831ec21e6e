package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/advinvest/params"
	"github.com/uhyunpark/advinvest/pkg/api"
	"github.com/uhyunpark/advinvest/pkg/game"
	"github.com/uhyunpark/advinvest/pkg/observability"
	"github.com/uhyunpark/advinvest/pkg/schedule"
	"github.com/uhyunpark/advinvest/pkg/storage"
	"github.com/uhyunpark/advinvest/pkg/tape"
	"github.com/uhyunpark/advinvest/pkg/trade"
	"github.com/uhyunpark/advinvest/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	clock := util.RealClock{}

	// ---- Storage ----
	store, err := storage.Open(cfg.Storage.DBPath, clock)
	if err != nil {
		sugar.Fatalw("storage_open_failed", "path", cfg.Storage.DBPath, "err", err)
	}
	defer store.Close()

	// ---- Price tape ----
	prices, err := loadTape(store, cfg.Storage.TapeFile, sugar)
	if err != nil {
		sugar.Fatalw("tape_load_failed", "err", err)
	}

	// ---- Game engine and order path ----
	metrics := observability.NewMetrics()
	engine := game.NewEngine(game.ConfigFrom(cfg.Game), store, prices, util.TickerScheduler{}, clock, sugar.Named("game"))
	engine.Metrics = metrics
	trades := trade.NewService(store, prices, sugar.Named("trade"))
	trades.Metrics = metrics

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Daily reset ----
	jobs := schedule.New(clock, 30*time.Second, sugar.Named("schedule"))
	jobs.Register(&schedule.Job{
		Name:     "daily-reset",
		Schedule: schedule.DailyAt(cfg.Game.ResetAt.Hour, cfg.Game.ResetAt.Minute, cfg.Game.Location),
		Handler: func(ctx context.Context) error {
			_, err := engine.DailyReset(ctx)
			return err
		},
	})
	jobs.Start(ctx)
	defer jobs.Stop()

	// ---- API Server ----
	apiServer := api.NewServer(cfg.API, engine, trades, sugar.Named("api"))
	apiServer.InitialPoints = cfg.Wallet.InitialPoints
	apiServer.Metrics = metrics
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("server_started",
		"tick", cfg.Game.TickInterval,
		"restricted", cfg.Game.RestrictStart.String()+"-"+cfg.Game.RestrictEnd.String(),
		"reset_at", cfg.Game.ResetAt.String(),
		"timezone", cfg.Game.Location.String())

	// Progress logging loop
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdown(apiServer, engine, sugar)
			return
		case <-ticker.C:
			sugar.Infow("sessions_active", "count", engine.Registry().Len())
		}
	}
}

// loadTape imports the optional JSON tape into the store, then serves the
// stored tape from memory.
func loadTape(store *storage.Store, file string, logger *zap.SugaredLogger) (*tape.Tape, error) {
	if file != "" {
		stocks, err := tape.LoadFile(file)
		if err != nil {
			return nil, err
		}
		if err := store.SaveTape(stocks); err != nil {
			return nil, err
		}
		logger.Infow("tape_imported", "file", file, "series", len(stocks))
	}
	stocks, err := store.LoadTape()
	if err != nil {
		return nil, err
	}
	if len(stocks) == 0 {
		logger.Warnw("tape_empty", "hint", "set TAPE_FILE to import price data")
	}
	return tape.New(stocks...)
}

// shutdown pauses every running game so players can resume after a restart.
func shutdown(srv *api.Server, engine *game.Engine, logger *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range engine.Registry().Snapshot() {
		if err := engine.Pause(ctx, id); err != nil {
			logger.Warnw("shutdown_pause_failed", "game_id", id, "err", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnw("api_shutdown_failed", "err", err)
	}
	logger.Infow("server_stopped")
}
