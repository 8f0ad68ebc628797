package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/skobkin/espdeploy/internal/app"
	"github.com/skobkin/espdeploy/internal/config"
)

const maskedSecret = "********"

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := app.ResolvePaths(opts.configFile)
			if err != nil {
				return err
			}
			if _, err := os.Stat(paths.ConfigFile); err == nil && !force {
				return withExitCode(ExitUsage, fmt.Errorf("config file %s already exists: use --force to overwrite", paths.ConfigFile))
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config file: %w", err)
			}

			cfg := config.Default()
			opts.override(&cfg)
			cfg.FillMissingDefaults()
			if err := config.Save(paths.ConfigFile, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", paths.ConfigFile)

			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config as JSON, with flag overrides applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := app.ResolvePaths(opts.configFile)
			if err != nil {
				return err
			}
			cfg, err := config.Load(paths.ConfigFile)
			if err != nil {
				return err
			}
			opts.override(&cfg)
			cfg.FillMissingDefaults()

			return writeConfigJSON(cmd.OutOrStdout(), cfg)
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config, history and log file locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := app.ResolvePaths(opts.configFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config:  %s\n", paths.ConfigFile)
			fmt.Fprintf(out, "history: %s\n", paths.DBFile)
			fmt.Fprintf(out, "log:     %s\n", paths.LogFile)

			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, pathCmd)

	return cmd
}

func writeConfigJSON(w io.Writer, cfg config.AppConfig) error {
	if cfg.Device.UploadPassword != "" {
		cfg.Device.UploadPassword = maskedSecret
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(raw))

	return err
}
