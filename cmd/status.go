package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/specscraper/internal/app"
	"github.com/JakeFAU/specscraper/internal/output"
)

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print frontier progress and output row counts",
		RunE:  runStatusCommand,
	}
	cmd.Flags().StringP("pipeline", "p", "", "pipeline to report (default: all)")
	return cmd
}

func runStatusCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	name, err := cmd.Flags().GetString("pipeline")
	if err != nil {
		return err
	}
	names := appInstance.Config().PipelineNames()
	if name != "" {
		names = []string{name}
	}
	out := cmd.OutOrStdout()
	for _, n := range names {
		if err := printStatus(cmd, out, appInstance, n); err != nil {
			return err
		}
	}
	return nil
}

func printStatus(cmd *cobra.Command, out io.Writer, appInstance *app.App, name string) error {
	pcfg, store, err := appInstance.Frontier(name)
	if err != nil {
		return err
	}
	f, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", name, err)
	}
	rows, err := output.CountRows(pcfg.Output)
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", name, err)
	}
	_, err = fmt.Fprintf(out, "%s: total=%d processed=%d pending=%d cursor=%d rows=%d\n",
		name, f.Len(), f.ProcessedCount(), f.PendingCount(), f.Cursor(), rows)
	return err
}
