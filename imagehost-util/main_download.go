package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/canonical/imagehost/imagehost/image/download"
)

type cmdDownload struct {
	global *cmdGlobal

	flagID         string
	flagMountpoint string
}

func (c *cmdDownload) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "download"
	cmd.Short = "Fetch images from direct URLs"

	fileCmd := &cobra.Command{}
	fileCmd.Use = "file <url> <dst>"
	fileCmd.Short = "Copy an image from a file URL on a shared filesystem"
	fileCmd.Args = cobra.ExactArgs(2)
	fileCmd.Flags().StringVar(&c.flagID, "id", "", "Filesystem id advertised with the location"+"``")
	fileCmd.Flags().StringVar(&c.flagMountpoint, "mountpoint", "", "Mount point advertised with the location"+"``")
	fileCmd.RunE = c.runFile

	cmd.AddCommand(fileCmd)

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }

	return cmd
}

func (c *cmdDownload) runFile(cmd *cobra.Command, args []string) error {
	u, err := url.Parse(args[0])
	if err != nil {
		return fmt.Errorf("Failed parsing URL %q: %w", args[0], err)
	}

	modules := download.LoadTransferModules(
		download.WithSections(c.global.config.DownloadSections()),
		download.WithRunner(c.global.runner("download")))

	module, ok := modules[u.Scheme]
	if !ok {
		return fmt.Errorf("No transfer module for scheme %q", u.Scheme)
	}

	metadata := map[string]string{}
	if cmd.Flags().Changed("id") {
		metadata["id"] = c.flagID
	}

	if cmd.Flags().Changed("mountpoint") {
		metadata["mountpoint"] = c.flagMountpoint
	}

	return module.Download(cmd.Context(), u, args[1], metadata)
}
