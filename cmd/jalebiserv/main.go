package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/jalebi/internal/config"
	"github.com/sheerbytes/jalebi/internal/logging"
	"github.com/sheerbytes/jalebi/internal/signal"
	"github.com/sheerbytes/jalebi/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	termio.Init()
	os.Exit(run())
}

func run() int {
	defer termio.Flush()
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return 0
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		return 2
	}
	flag.CommandLine.SetOutput(termio.Stderr())
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		return 2
	}
	logger := logging.NewWithWriter(termio.Stderr(), "jalebiserv", cfg.LogLevel)

	srv := signal.NewServer(signal.NewHub(), signal.Limits{
		MaxMessageBytes: cfg.MaxMessageBytes,
		ConnectsPerMin:  cfg.ConnectsPerMin,
		ConnectsBurst:   cfg.ConnectsBurst,
		MsgsPerSec:      cfg.MsgsPerSec,
		MsgsBurst:       cfg.MsgsBurst,
		MaxConnections:  cfg.MaxConnections,
		IdleTimeout:     cfg.IdleTimeout,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-version" {
			return true
		}
	}
	return false
}
