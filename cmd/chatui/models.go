package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ChatUI/internal/backend"
	"ChatUI/internal/config"
)

func newModelsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the backend can serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			// Nothing is logged for a one-shot listing
			client, err := backend.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return listModels(ctx, cmd.OutOrStdout(), client, cfg.Model)
		},
	}
}

// listModels prints the backend's models, marking the configured one
func listModels(ctx context.Context, w io.Writer, client backend.Client, current string) error {
	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list %s models: %w", client.Name(), err)
	}

	if len(models) == 0 {
		fmt.Fprintf(w, "No models available from %s.\n", client.Name())
		return nil
	}

	fmt.Fprintf(w, "Available %s models:\n", client.Name())
	for i, model := range models {
		marker := ""
		if model == current {
			marker = " (current)"
		}
		fmt.Fprintf(w, "%d. %s%s\n", i+1, model, marker)
	}
	return nil
}
