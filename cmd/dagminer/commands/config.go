package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or write the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration after defaults and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, factory, err := setup()
		if err != nil {
			return err
		}
		defer factory.Sync()

		data, err := yaml.Marshal(effectiveConfig(manager))
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return errors.New("--config is required")
		}
		manager, factory, err := setup()
		if err != nil {
			return err
		}
		defer factory.Sync()

		if err := manager.Save(); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", manager.Path())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
