package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecocycle/navigator/internal/api"
	"github.com/ecocycle/navigator/internal/routing"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the route scoring API",
	Long:  "Loads the accident, air-quality and noise datasets, connects to the routing and traffic providers and serves scored routes under /v1.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initScoring(ctx, cfg)
		if err != nil {
			return err
		}

		client, err := routing.NewClient(cfg.Routing.Client())
		if err != nil {
			return err
		}

		srv := api.New(api.Options{
			Supplier:       client,
			Scorer:         env.Aggregator,
			Accidents:      env.Accidents,
			Noise:          env.Noise,
			Traffic:        env.Traffic,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
		})

		port := resolvePort(servePort, cfg.Server.Port)
		return startServer(ctx, port, srv.Handler(), cfg.Server.ShutdownTimeout)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler until ctx is done, then drains in-flight
// requests for up to shutdownTimeout.
func startServer(ctx context.Context, port int, handler http.Handler, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	<-done
	return nil
}
