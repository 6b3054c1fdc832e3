package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quizlive/quizlive/internal/config"
	"github.com/quizlive/quizlive/internal/server"
)

func main() {
	path, c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	slog.Info("quizlive starting", "config", path, "port", c.HTTP.Port)

	go s.Start()

	sig := <-shutdown
	slog.Info("quizlive shutting down", "signal", sig.String())
	s.Shutdown()
}

func loadConfig() (string, server.Config, error) {
	var c server.Config

	p := os.Getenv("CONFIG_PATH")
	if p == "" {
		return "", c, fmt.Errorf("CONFIG_PATH not set")
	}

	if err := config.Load(p, &c); err != nil {
		return "", c, fmt.Errorf("load config: %w", err)
	}

	return p, c, nil
}
