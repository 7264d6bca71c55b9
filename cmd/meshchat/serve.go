package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/meshchat/engine"
	"github.com/hupe1980/meshchat/internal/httpapi"
	"github.com/hupe1980/meshchat/session"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			store, err := session.NewGormStore(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("initialize store: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Warn("store.close_failed", "error", err)
				}
			}()

			eng := engine.New(func(o *engine.Options) {
				o.Config = engineConfig(cfg)
				o.Store = store
				o.Models = buildModels(cfg, logger)
				o.Logger = logger.WithComponent("engine")
			})
			for _, ct := range []engine.CallbackType{engine.CallbackHandoff, engine.CallbackStreamEnded} {
				eng.Callbacks().RegisterCallback(engine.NewLoggingCallback(ct, logger.WithComponent("callbacks")))
			}

			srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewHandler(eng, func(o *httpapi.Options) {
				o.AllowedOrigins = cfg.AllowedOrigins
				o.Logger = logger.WithComponent("http")
			}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server.listening", "addr", cfg.HTTPAddr, "db_driver", cfg.DBDriver, "log_level", logger.Level().String())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("server.shutting_down", "active_streams", len(eng.ActiveStreams()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := eng.Shutdown(shutdownCtx); err != nil {
				logger.Warn("engine.shutdown_incomplete", "error", err)
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			logger.Info("server.stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http_addr")
	return cmd
}
