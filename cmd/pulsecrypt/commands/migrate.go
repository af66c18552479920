package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Move legacy server-held keys to derived keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := appCtx.Migration.Migrate(ctxOf(cmd))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (processed %d, failed %d)\n", st.Name, st.Status, st.Processed, st.Failed)
			return err
		},
	}
}

func migrateCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-cleanup",
		Short: "Delete migrated legacy keys from the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := appCtx.Migration.Cleanup(ctxOf(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d legacy keys\n", n)
			return nil
		},
	}
}
