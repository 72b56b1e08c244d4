package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func workerCmd(configPath *string) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the retry worker only",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Require("STRIPE_SECRET_KEY", "DATABASE_URL"); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			if id == "" {
				host, _ := os.Hostname()
				id = "worker-" + host
			}
			return a.worker(id).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Worker id used in logs (default worker-<hostname>)")
	return cmd
}
