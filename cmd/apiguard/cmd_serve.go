package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/apiguard/internal/api"
	"github.com/NikhilSetiya/apiguard/pkg/logging"
	"github.com/NikhilSetiya/apiguard/pkg/monitoring"
)

const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	svc, err := monitoring.New(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	logger := svc.Logger()
	logging.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      api.NewRouter(svc),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting admin server", "addr", server.Addr, "upstream", cfg.Upstream.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Admin server failed", "error", err.Error())
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down admin server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server forced to shutdown", "error", err.Error())
		return err
	}

	logger.Info("Admin server exited")
	return nil
}
