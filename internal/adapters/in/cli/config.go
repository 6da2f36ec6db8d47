package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/reach/internal/adapters/in/cli/ui/styles"
	"github.com/bnema/reach/internal/app"
)

// newConfigCmd creates the config command group.
func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the reach configuration file",
	}

	cmd.AddCommand(newConfigInitCmd(opts))
	cmd.AddCommand(newConfigShowCmd(opts))

	return cmd
}

// newConfigInitCmd writes the default configuration.
func newConfigInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reach.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				path = app.DefaultConfigPath()
			}
			if err := app.WriteDefaultConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.Theme.Success.Render(styles.IconSuccess+" Wrote "+path))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

// newConfigShowCmd prints the effective configuration source.
func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cfg, err := app.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			source := v.ConfigFileUsed()
			if source == "" {
				source = "defaults and environment"
			}
			fmt.Fprintln(out, styles.Theme.Title.Render("Configuration")+" "+styles.Theme.Muted.Render(source))
			fmt.Fprintf(out, "%s %s\n", styles.Theme.Label.Render("api.base_url"), cfg.API.BaseURL)
			fmt.Fprintf(out, "%s %s\n", styles.Theme.Label.Render("storage"), cfg.Storage.Backend+" "+cfg.StoragePath())
			fmt.Fprintf(out, "%s %s\n", styles.Theme.Label.Render("refresh_buffer"), cfg.Session.RefreshBuffer)
			fmt.Fprintf(out, "%s %s\n", styles.Theme.Label.Render("cache.ttl"), cfg.Cache.TTL)
			fmt.Fprintf(out, "%s %d\n", styles.Theme.Label.Render("retries"), cfg.API.Retry.MaxRetries)
			return nil
		},
	}
}
