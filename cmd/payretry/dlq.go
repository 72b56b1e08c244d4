package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func dlqCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter store",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print dead-lettered payments as JSON, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Require("DATABASE_URL"); err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			rows, err := a.deadLetters.List(ctx, limit, offset)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	list.Flags().IntVar(&offset, "offset", 0, "Entries to skip")

	cmd.AddCommand(list)
	return cmd
}
