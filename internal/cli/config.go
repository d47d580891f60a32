package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/harun/convoy/internal/config"
	"github.com/spf13/cobra"
)

var (
	initInteractive bool
	initForce       bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, check and print the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a new configuration file",
	Long: `Write a configuration file with default values, or run an interactive
configuration wizard with --interactive.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and report every problem",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "ask for API keys and channels")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configValidateCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	out := cmd.OutOrStdout()

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	cfg := config.DefaultConfig()
	if initInteractive {
		var err error
		cfg, err = config.NewWizard(cmd.InOrStdin(), out).Run()
		if err != nil {
			return fmt.Errorf("configuration failed: %w", err)
		}
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "Configuration saved to: %s\n", path)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "\nThe configuration is not complete yet:\n%v\n", err)
		return nil
	}
	fmt.Fprintln(out, "You can now start convoy with: convoy start")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}
