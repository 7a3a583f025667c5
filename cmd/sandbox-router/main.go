// sandbox-router is the front-end dispatcher that maps preview URLs
// (subdomain or /preview path patterns) onto sandbox control planes.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sandboxd/internal/config"
	"sandboxd/internal/logging"
	"sandboxd/internal/router"
)

func main() {
	godotenv.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.Named("main")

	cfg := config.FromEnv()

	rt, err := router.New(cfg)
	if err != nil {
		log.Fatal("router init failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:        cfg.RouterAddr,
		Handler:     rt,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("router listening",
			zap.String("addr", cfg.RouterAddr),
			zap.String("sandbox", cfg.SandboxAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("router failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}
}
