package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newResetCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clears the checkpoint so the next crawl starts from the root",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return errors.New("reset discards all crawl progress; pass --yes to confirm")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			store, err := appInstance.OpenCheckpoint(cmd.Context(), true)
			if err != nil {
				return err
			}
			before := store.Stats()
			if err := store.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset checkpoint: %w", err)
			}
			appInstance.GetLogger().Info("checkpoint cleared",
				zap.Int("nodes", total(before.Nodes)),
				zap.Int("rows", total(before.Rows)))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "checkpoint cleared")
			return err
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm clearing the checkpoint")
	return cmd
}

func total[K comparable](m map[K]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
