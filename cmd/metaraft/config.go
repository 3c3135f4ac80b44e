package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/KilimcininKorOglu/metaraft/internal/config"
)

// loadConfig reads path, or starts from the defaults when path is empty.
// Environment overrides are applied in both cases.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		config.ApplyEnvOverrides(cfg, os.Getenv)
		return cfg, nil
	}
	return config.LoadConfig(path)
}

// validationFailed joins the validation errors of a config.
func validationFailed(errs []error) error {
	err := errors.New("invalid configuration")
	for _, e := range errs {
		err = errors.WithDetail(err, e.Error())
	}
	return err
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect node configuration",
	}

	var validatePath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(validatePath)
			if err != nil {
				return err
			}
			if errs := config.ValidateConfig(cfg); len(errs) > 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "Configuration errors:")
				for _, e := range errs {
					fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", e)
				}
				return validationFailed(errs)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
	validate.Flags().StringVarP(&validatePath, "config", "c", "", "path to configuration file")
	_ = validate.MarkFlagRequired("config")

	var showPath string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(showPath)
			if err != nil {
				return err
			}
			return printYAML(cmd, cfg)
		},
	}
	show.Flags().StringVarP(&showPath, "config", "c", "", "path to configuration file")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Print the default configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printYAML(cmd, config.DefaultConfig())
		},
	}

	cmd.AddCommand(validate, show, initCmd)
	return cmd
}

func printYAML(cmd *cobra.Command, cfg *config.Config) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return errors.Wrap(err, "encode config")
	}
	return enc.Close()
}
