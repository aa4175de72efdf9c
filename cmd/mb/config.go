package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/zulandar/memorybridge/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		configPath string
		force      bool
		stdout     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long:  "Renders the built-in defaults as YAML. Use --stdout to print instead of writing a file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(cmd, configPath, force, stdout)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config instead of writing it")
	return cmd
}

func runConfigInit(cmd *cobra.Command, configPath string, force, stdout bool) error {
	data, err := config.DefaultYAML()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if stdout {
		_, err := out.Write(data)
		return err
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", configPath, err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Fprintf(out, "Wrote %s\n", configPath)
	return nil
}
