package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sworker/internal/sworker"
)

func main() {
	boot := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWORKER_CONFIG", "/sworker.yaml"), "path to sworker.yaml")
	flag.Parse()

	cfg, err := sworker.LoadConfig(configPath)
	if err != nil {
		boot.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}

	w, err := sworker.NewWorker(cfg)
	if err != nil {
		boot.Fatal().Err(err).Msg("init worker")
	}
	defer w.Close()
	log := w.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	installCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err = w.Start(installCtx)
	cancel()
	if err != nil {
		// A redundant worker still serves: every request passes through.
		log.Error().Err(err).Msg("worker not activated, passing all requests through")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("listen")
		return
	}

	srv := &http.Server{
		Handler:           w.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("sworker listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
