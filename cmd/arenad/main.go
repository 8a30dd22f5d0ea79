// arenad serves the persistent transport: WebSocket sessions over in-process
// rooms. One instance owns all room state; clients reconnect and rejoin.
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

	"github.com/park285/chess-arena/internal/archive"
	appcfg "github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/game"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/room"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/ws"
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

	machine := game.NewMachine(rules.New())
	registry := room.NewRegistry(machine, logger)

	if cfg.DatabaseURL != "" {
		repo, err := archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("archive_init_error", zap.Error(err))
		}
		defer repo.Close()
		registry.AttachArchive(repo)
	}

	server := ws.NewServer(registry, ice, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ws_listen", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen_error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting_down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	server.Wait()
	registry.Shutdown()
}
