package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/evolvedb/evolve/internal/db"
	"github.com/evolvedb/evolve/internal/migrate"
)

func newMigrateCommand(out io.Writer, globals *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending migrations in version order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), globals, func(ctx context.Context, m *db.Manager, logger *slog.Logger) error {
				report, err := m.Migrate(ctx)
				if report != nil {
					if printErr := printReport(out, globals, report); printErr != nil {
						return printErr
					}
				}
				return err
			})
		},
	}
}

func newRollbackCommand(out io.Writer, globals *globalFlags) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Revert committed migrations down to a target version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return usageErrorf("--to is required")
			}
			target, err := strconv.ParseInt(to, 10, 64)
			if err != nil || target < 0 {
				return usageErrorf("--to must be a non-negative version number")
			}
			return withManager(cmd.Context(), globals, func(ctx context.Context, m *db.Manager, logger *slog.Logger) error {
				report, err := m.Rollback(ctx, target)
				if report != nil {
					if printErr := printReport(out, globals, report); printErr != nil {
						return printErr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Target schema version (0 reverts everything)")
	return cmd
}

func printReport(out io.Writer, globals *globalFlags, report *migrate.Report) error {
	if globals.JSONOutput {
		type jsonResult struct {
			Version int64  `json:"version"`
			Name    string `json:"name"`
			Status  string `json:"status"`
			Error   string `json:"error,omitempty"`
		}
		payload := struct {
			Batch   string       `json:"batch"`
			From    int64        `json:"from"`
			To      int64        `json:"to"`
			Results []jsonResult `json:"results"`
		}{Batch: report.BatchID, From: report.From, To: report.To}
		for _, result := range report.Results {
			jr := jsonResult{Version: result.Version, Name: result.Name, Status: string(result.Status)}
			if result.Err != nil {
				jr.Error = result.Err.Error()
			}
			payload.Results = append(payload.Results, jr)
		}
		return printJSON(out, payload)
	}

	if len(report.Results) == 0 {
		_, err := fmt.Fprintf(out, "nothing to do (schema version %d)\n", report.From)
		return err
	}
	for _, result := range report.Results {
		if result.Err != nil {
			if _, err := fmt.Fprintf(out, "%d %s: %s (%v)\n", result.Version, result.Name, result.Status, result.Err); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(out, "%d %s: %s\n", result.Version, result.Name, result.Status); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "schema version: %d -> %d\n", report.From, report.To)
	return err
}
