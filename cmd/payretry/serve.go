package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"payretry/internal/auth"
	httpx "payretry/internal/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd(configPath *string) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and admin HTTP server with the retry worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			required := []string{"STRIPE_WEBHOOK_SECRET", "JWT_SECRET"}
			if noWorker {
				// retries are consumed by a separate worker process
				required = append(required, "DATABASE_URL")
			} else {
				required = append(required, "STRIPE_SECRET_KEY")
			}
			if err := cfg.Require(required...); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			r := httpx.NewRouter(cfg, httpx.Deps{
				Webhook:       a.receiver(),
				DeadLetters:   a.deadLetters,
				Retries:       a.queue,
				Subscriptions: a.subscriptions,
				JWT:           auth.NewJWT(cfg.JWTSecret),
				Log:           log,
			})

			var wg sync.WaitGroup
			if !noWorker {
				w := a.worker("worker-1")
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = w.Run(ctx)
				}()
			}

			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           r,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			// graceful shutdown
			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
				stop()
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
			wg.Wait()
			log.Info("server stopped")
			return serveErr
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Do not run the retry worker in this process")
	return cmd
}
