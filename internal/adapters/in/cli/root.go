// Package cli implements the CLI adapter for reach.
// This package provides Cobra commands that delegate to the app layer.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/reach/internal/app"
	"github.com/bnema/reach/pkg/version"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd creates the root command for the reach CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "reach",
		Short: "reach - session-aware client for the analytics API",
		Long: `reach keeps an authenticated session with the analytics API.

It stores the token pair, refreshes it before expiry, retries failed
requests with backoff, caches reads and polls endpoints on an adaptive
schedule.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(newLoginCmd(opts))
	rootCmd.AddCommand(newLogoutCmd(opts))
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))
	rootCmd.AddCommand(newGetCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// withApp loads the configuration, builds the app and runs fn with it.
// Every command counts as user activity for the session.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	_, cfg, err := app.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	a, err := app.New(ctx, cfg, version.Version())
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	a.Session.ReportActivity()
	return fn(ctx, a)
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reach %s\n", version.Version())
			fmt.Fprintf(out, "Commit: %s\n", version.Commit())
			fmt.Fprintf(out, "Build Date: %s\n", version.BuildDate())
		},
	}
}
