// arena-api serves the stateless transport: REST endpoints over the Redis
// event store. Horizontally scalable; no session state in the process.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/archive"
	appcfg "github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/events"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rest"
	"github.com/park285/chess-arena/internal/rules"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	ice, err := appcfg.LoadICEServers(cfg.ICEConfigPath)
	if err != nil {
		logger.Fatal("ice_config_error", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rdb, err := events.Connect(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		logger.Fatal("redis_error", zap.Error(err))
	}
	defer rdb.Close()

	machine := game.NewMachine(rules.New())
	store := events.New(rdb, machine, events.Config{
		Retention: cfg.EventRetention,
		Lookback:  cfg.PollLookback,
		RoomTTL:   cfg.RoomTTL,
	}, logger)

	if cfg.DatabaseURL != "" {
		repo, err := archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("archive_init_error", zap.Error(err))
		}
		defer repo.Close()
		store.AttachArchive(repo)
	}

	server := rest.NewServer(store, ice, logger)
	go func() {
		if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
			logger.Fatal("listen_error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting_down")

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	_ = server.Shutdown(sctx)
}
