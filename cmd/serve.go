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

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cartrouter/internal/api"
	"github.com/sells-group/cartrouter/internal/config"
)

const shutdownTimeout = 15 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the routing API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		wait := env.startWorkers(ctx)

		// SIGHUP reloads the provider table without a restart.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go env.watchReload(ctx, hup)
		srv := newHTTPServer(cfg.Server, api.New(env.Router, apiConfig(cfg.Server)).Routes())

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			_ = wait()
			return eris.Wrap(err, "server listen")
		}

		stop()
		return wait()
	},
}

func apiConfig(s config.ServerConfig) api.Config {
	return api.Config{
		CORSOrigins:    s.CORSOrigins,
		RequestTimeout: time.Duration(s.RequestTimeoutSecs) * time.Second,
	}
}

func newHTTPServer(s config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.ReadTimeoutSecs) * time.Second,
		WriteTimeout:      time.Duration(s.WriteTimeoutSecs) * time.Second,
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
