package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/evolvedb/evolve/internal/db"
)

func newAuditCommand(out io.Writer, globals *globalFlags) *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List or verify the hash-chained operation trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), globals, func(ctx context.Context, m *db.Manager, logger *slog.Logger) error {
				if verify {
					result, err := m.VerifyAudit(ctx)
					if err != nil {
						return err
					}
					if globals.JSONOutput {
						return printJSON(out, result)
					}
					if !result.Valid {
						return &ExitError{Code: ExitCodeGeneric, Err: fmt.Errorf("audit chain invalid: %s", result.Error)}
					}
					_, err = fmt.Fprintf(out, "ok: %d event(s), chain tip %s\n", result.EventCount, result.ChainTip)
					return err
				}

				events, err := m.AuditEvents(ctx)
				if err != nil {
					return err
				}
				if globals.JSONOutput {
					return printJSON(out, events)
				}
				for _, event := range events {
					if _, err := fmt.Fprintf(out, "%s %s %s target=%s\n",
						event.Timestamp, event.Action, event.Result, event.TargetID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "Verify the hash chain instead of listing events")
	return cmd
}
