package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/specscraper/internal/api"
)

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape one pipeline in timed batches",
		Long: `Runs batches of the selected pipeline every --frequency minutes for
--duration minutes. Each batch opens a fresh fetcher session, after switching
relays when relay.enabled is set. A CAPTCHA ends the batch early; the
frontier checkpoint makes the next batch pick up the same link.`,
		RunE: runPipelineCommand,
	}
	cmd.Flags().StringP("pipeline", "p", "details", "pipeline to run (models, sheets, versions, details)")
	cmd.Flags().Int("duration", 0, "total run time in minutes (overrides schedule.duration)")
	cmd.Flags().Int("frequency", 0, "minutes between batch starts (overrides schedule.interval)")
	return cmd
}

func runPipelineCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	name, err := cmd.Flags().GetString("pipeline")
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	cfg := appInstance.Config()

	pipeline, err := appInstance.Pipeline(cmd.Context(), name)
	if err != nil {
		return fmt.Errorf("build pipeline %s: %w", name, err)
	}
	scheduler, err := appInstance.Scheduler(cmd.Context(), pipeline)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	logger.Info("starting run",
		zap.String("pipeline", name),
		zap.String("frontier", pipeline.Config.Frontier),
		zap.String("output", pipeline.Config.Output),
		zap.Duration("duration", cfg.Schedule.Duration),
		zap.Duration("interval", cfg.Schedule.Interval),
		zap.String("fetcher", cfg.Fetcher.Mode),
		zap.Bool("relay", cfg.Relay.Enabled),
	)

	g, ctx := errgroup.WithContext(cmd.Context())
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.Server.Enabled {
		server := api.NewServer(name, scheduler, appInstance.Clock(), logger)
		g.Go(func() error {
			return server.ListenAndServe(serverCtx, cfg.Server.Addr)
		})
	}
	g.Go(func() error {
		defer stopServer()
		return scheduler.Run(ctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}

	if last, ok := scheduler.Last(); ok {
		logger.Info("run complete",
			zap.String("pipeline", name),
			zap.Int("completed", last.Completed),
			zap.Int("pending", last.Pending),
			zap.Int("total", last.Total),
		)
	}
	return nil
}
