package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/evolvedb/evolve/internal/backup"
	"github.com/evolvedb/evolve/internal/db"
)

func newBackupCommand(out io.Writer, globals *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create and restore full-keyspace snapshots",
	}
	cmd.AddCommand(newBackupCreateCommand(out, globals))
	cmd.AddCommand(newBackupRestoreCommand(out, globals))
	return cmd
}

func newBackupCreateCommand(out io.Writer, globals *globalFlags) *cobra.Command {
	var (
		output     string
		passphrase string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Export the full keyspace to a snapshot file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), globals, func(ctx context.Context, m *db.Manager, logger *slog.Logger) error {
				path, err := m.Backup(ctx, backup.CreateRequest{
					OutputPath: output,
					Passphrase: []byte(passphrase),
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "backup written to %s\n", path)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Snapshot path (default: auto-named in the backup dir)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Encrypt the snapshot with this passphrase")
	return cmd
}

func newBackupRestoreCommand(out io.Writer, globals *globalFlags) *cobra.Command {
	var (
		passphrase string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Replace the store's contents from a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), globals, func(ctx context.Context, m *db.Manager, logger *slog.Logger) error {
				err := m.Restore(ctx, backup.RestoreRequest{
					InputPath:  args[0],
					Passphrase: []byte(passphrase),
					Force:      force,
				})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "restored from %s\n", args[0])
				return err
			})
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Passphrase for encrypted snapshots")
	cmd.Flags().BoolVar(&force, "force", false, "Skip backend-type and schema-version compatibility checks")
	return cmd
}
