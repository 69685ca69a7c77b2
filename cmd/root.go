// Package cmd defines and implements the CLI commands for the specscraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/app"
	"github.com/JakeFAU/specscraper/internal/config"
	"github.com/JakeFAU/specscraper/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(cfg config.Config) (*app.App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger), nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "specscraper",
		Short: "A resumable scraper for largus.fr technical sheets.",
		Long: `specscraper walks a CSV frontier of largus.fr links in small batches,
appending extracted rows to CSV and checkpointing after every page so an
interrupted run resumes where it stopped. Between batches it can switch
Mullvad relays to shed CAPTCHA blocks.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config, then build the app.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, scheduleOverrides(cmd)...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env SPECSCRAPER_* overrides it")

	cmd.AddCommand(newRunCmd(), newStatusCmd(), newRelayCmd())
	return cmd
}

// scheduleOverrides turns --duration and --frequency, when given, into
// config overrides.
func scheduleOverrides(cmd *cobra.Command) []config.Override {
	var out []config.Override
	if f := cmd.Flags().Lookup("duration"); f != nil && f.Changed {
		minutes, _ := cmd.Flags().GetInt("duration")
		out = append(out, func(c *config.Config) { c.Schedule.Duration = time.Duration(minutes) * time.Minute })
	}
	if f := cmd.Flags().Lookup("frequency"); f != nil && f.Changed {
		minutes, _ := cmd.Flags().GetInt("frequency")
		out = append(out, func(c *config.Config) { c.Schedule.Interval = time.Duration(minutes) * time.Minute })
	}
	return out
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context; the run stops after the current checkpoint.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	logger, lerr := logging.New(false, "")
	if lerr != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Fatal("command execution failed", zap.Error(err))
}
