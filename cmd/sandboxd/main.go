// sandboxd is the in-container control plane: shell sessions, background
// processes, files, interpreters and port exposure behind one HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sandboxd/internal/config"
	"sandboxd/internal/logging"
	"sandboxd/internal/server"
)

func main() {
	godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.Named("main")

	cfg := config.FromEnv()

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal("control plane init failed", zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     srv.Engine(),
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("control plane listening",
			zap.Int("port", cfg.Port),
			zap.String("workspace", cfg.WorkspaceDir))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case <-srv.Expired():
		log.Info("activity deadline expired, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}
	srv.Close()
	log.Info("control plane stopped")
}
