package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/api"
	"github.com/xtrntr/matchbook/internal/auth"
	"github.com/xtrntr/matchbook/internal/notify"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "server",
		Short:         "Order matching and settlement service",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(newServeCmd(&configPath), newSweepCmd(&configPath), newMigrateCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the event dispatcher and the periodic sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if migrate {
				if err := a.migrate(ctx); err != nil {
					return err
				}
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	hub := notify.NewWSHub(a.log)
	dispatcher, err := a.dispatcher(ctx, hub)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	ex, err := a.exchange(dispatcher)
	if err != nil {
		return err
	}
	authService := auth.NewAuthService(a.store, a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)
	handler := api.NewHandler(ex, authService, hub, a.log)

	routerCfg := api.RouterConfig{CORSOrigins: a.cfg.Server.CORSOrigins}
	if a.cfg.Metrics.Enabled {
		routerCfg.Metrics = a.metrics.Handler()
	}
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           api.NewRouter(handler, routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if interval := a.cfg.Engine.SweepInterval; interval > 0 {
		go ex.RunSweeper(ctx, interval)
	}
	if interval := a.cfg.Server.BroadcastInterval; interval > 0 {
		go api.RunBroadcaster(ctx, ex, hub, a.log, interval)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("starting server", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Try to match every open order once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			dispatcher, err := a.dispatcher(ctx, nil)
			if err != nil {
				return err
			}
			// drain queued events before exiting
			defer dispatcher.Close()

			ex, err := a.exchange(dispatcher)
			if err != nil {
				return err
			}
			res, err := ex.SweepAllOpen(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d, matched %d, failed %d\n", res.Checked, res.Matched, res.Failed)
			return nil
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.migrate(cmd.Context())
		},
	}
}
