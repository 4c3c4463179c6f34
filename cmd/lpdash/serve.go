package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CrunchNZ/lpb-sub001/internal/api"
	"github.com/CrunchNZ/lpb-sub001/internal/logging"
	"github.com/CrunchNZ/lpb-sub001/internal/observability"
)

func serveCmd() *cobra.Command {
	var (
		listenAddr  string
		clientLimit bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lpdash daemon",
		Long:  "Run the diagnostics and cached read API with the data and Jupiter caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Daemon.HTTPAddr = listenAddr
			}
			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Tracing); err != nil {
				logging.Op().Warn("tracing disabled", "error", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				observability.Shutdown(shutdownCtx)
			}()

			var console io.Writer = os.Stdout
			if quiet {
				console = nil
			}
			a, err := newApp(ctx, cfg, console)
			if err != nil {
				return err
			}
			defer a.close()

			srvCfg := a.serverConfig()
			if clientLimit {
				srvCfg.ClientLimiter = a.limiter
			}
			httpServer := &http.Server{
				Addr:              cfg.Daemon.HTTPAddr,
				Handler:           api.NewHandler(srvCfg),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logging.Op().Info("lpdash daemon started",
					"addr", cfg.Daemon.HTTPAddr,
					"store", cfg.Store.Driver,
					"rate_limit_backend", cfg.RateLimit.Backend,
					"broadcast", cfg.Cache.Broadcast,
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			if a.invalidator != nil {
				g.Go(func() error {
					a.invalidator.Start(gctx)
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				logging.Op().Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if a.invalidator != nil {
					a.invalidator.Close()
				}
				return httpServer.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides daemon.http_addr)")
	cmd.Flags().BoolVar(&clientLimit, "client-limit", false, "Apply the default rate limit budget per client IP")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print the call log to stdout")

	return cmd
}
