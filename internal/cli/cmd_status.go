package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/evolvedb/evolve/internal/db"
)

func newStatusCommand(out io.Writer, globals *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend health, schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), globals, func(ctx context.Context, m *db.Manager, logger *slog.Logger) error {
				health, err := m.Health(ctx)
				if err != nil {
					return err
				}
				if globals.JSONOutput {
					return printJSON(out, health)
				}

				state := "ok"
				if !health.Healthy {
					state = "unreachable: " + health.Error
				}
				_, err = fmt.Fprintf(out,
					"backend:        %s (%s)\nschema version: %d\nlatest known:   %d\npending:        %d\n",
					health.Backend, state, health.SchemaVersion, health.LatestVersion, health.Pending)
				return err
			})
		},
	}
}

func newVerifyCommand(out io.Writer, globals *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check committed migrations against their recorded checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), globals, func(ctx context.Context, m *db.Manager, logger *slog.Logger) error {
				report, err := m.Verify(ctx)
				if err != nil {
					return err
				}
				if globals.JSONOutput {
					return printJSON(out, report)
				}

				for _, missing := range report.Missing {
					if _, err := fmt.Fprintf(out, "warning: migration %d is recorded but no longer registered\n", missing); err != nil {
						return err
					}
				}
				for _, mismatch := range report.Mismatches {
					if _, err := fmt.Fprintf(out, "MISMATCH %d %s: recorded %s, current %s\n",
						mismatch.Version, mismatch.Name, mismatch.Recorded, mismatch.Current); err != nil {
						return err
					}
				}
				if report.OK() {
					_, err := fmt.Fprintf(out, "ok: %d migration(s) verified\n", report.Checked)
					return err
				}
				return &ExitError{Code: ExitCodeMigration, Err: fmt.Errorf("%d checksum mismatch(es)", len(report.Mismatches))}
			})
		},
	}
}
