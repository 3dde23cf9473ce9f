package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/api"
	"github.com/sells-group/market-intel/internal/scheduler"
)

var (
	servePort    int
	serveNoTick  bool
	shutdownWait = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		coord := env.newCoordinator()

		var loop *scheduler.Loop
		if !serveNoTick {
			loop, err = scheduler.NewLoop(cfg.Scheduler.Tick, coord.RunScheduled)
			if err != nil {
				return err
			}
			loop.Start()
			zap.L().Info("scheduler tick started", zap.Duration("every", cfg.Scheduler.Tick))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(coord, sourceAdmin{env.Registry, env.Scheduler}, api.Options{
				AllowedOrigins: cfg.Server.CORSOrigins,
				Metrics:        promhttp.HandlerFor(env.Prometheus, promhttp.HandlerOpts{}),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown: stop ticking, drain HTTP, then let the active run finish.
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
			defer cancel()
			if loop != nil {
				if err := loop.Stop(sctx); err != nil {
					zap.L().Warn("stop scheduler tick", zap.Error(err))
				}
			}
			_ = srv.Shutdown(sctx)
			if err := coord.Shutdown(sctx); err != nil {
				zap.L().Warn("pipeline shutdown", zap.Error(err))
			}
			env.Scheduler.Wait()
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stop()
			<-drained
			return eris.Wrap(err, "server listen")
		}
		<-drained

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoTick, "no-tick", false, "serve the API without scheduled collection")
	rootCmd.AddCommand(serveCmd)
}
