package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "evolve",
		Short:         "Versioned state migrations across storage backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	flags := cmd.PersistentFlags()
	flags.StringVar(&globals.ConfigPath, "config", "", "Path to config.toml")
	flags.StringVar(&globals.Backend, "backend", "", "Storage backend override (json|sqlite|postgresql)")
	flags.StringVar(&globals.Path, "path", "", "Store file override for json/sqlite backends")
	flags.StringVar(&globals.DSN, "dsn", "", "Connection string override for the postgresql backend")
	flags.BoolVar(&globals.JSONOutput, "json", false, "Emit machine-readable JSON output")

	cmd.AddCommand(newMigrateCommand(out, globals))
	cmd.AddCommand(newRollbackCommand(out, globals))
	cmd.AddCommand(newStatusCommand(out, globals))
	cmd.AddCommand(newVerifyCommand(out, globals))
	cmd.AddCommand(newBackupCommand(out, globals))
	cmd.AddCommand(newAuditCommand(out, globals))
	cmd.AddCommand(newVersionCommand(out, build))
	cmd.InitDefaultCompletionCmd()
	return cmd
}

func newVersionCommand(out io.Writer, build BuildInfo) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(build)
			}
			_, err := fmt.Fprintf(out, "version=%s commit=%s build_time=%s\n", build.Version, build.Commit, build.BuildTime)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version as JSON")
	return cmd
}

func printJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
