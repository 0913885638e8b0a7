package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/canonical/imagehost/imagehost/config"
)

type cmdConfig struct {
	global *cmdGlobal

	flagDefaults bool
}

func (c *cmdConfig) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "config"
	cmd.Short = "Inspect the configuration"

	showCmd := &cobra.Command{}
	showCmd.Use = "show"
	showCmd.Short = "Show the effective configuration"
	showCmd.Args = cobra.NoArgs
	showCmd.RunE = c.runShow
	showCmd.Flags().BoolVar(&c.flagDefaults, "defaults", false, "Show the built-in defaults instead")

	cmd.AddCommand(showCmd)

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }

	return cmd
}

func (c *cmdConfig) runShow(cmd *cobra.Command, args []string) error {
	cfg := c.global.config
	if c.flagDefaults {
		cfg = config.Defaults()
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Print(string(out))
	return nil
}
