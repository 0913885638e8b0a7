package main

import (
	"github.com/spf13/cobra"

	"github.com/canonical/imagehost/imagehost/remotefs"
)

type cmdShare struct {
	global *cmdGlobal

	flagOptions []string
}

func (c *cmdShare) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "share"
	cmd.Short = "Mount and unmount remote shares"

	// mount
	mountCmd := &cobra.Command{}
	mountCmd.Use = "mount <type> <export> <path>"
	mountCmd.Short = "Mount a remote export, creating the mount point"
	mountCmd.Args = cobra.ExactArgs(3)
	mountCmd.Flags().StringSliceVarP(&c.flagOptions, "option", "o", nil, "Mount option, may be repeated"+"``")
	mountCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return remotefs.MountShare(cmd.Context(), c.global.executor(), args[2], args[1], args[0], c.flagOptions)
	}

	cmd.AddCommand(mountCmd)

	// umount
	umountCmd := &cobra.Command{}
	umountCmd.Use = "umount <path> <export>"
	umountCmd.Short = "Unmount a share unless it is still in use"
	umountCmd.Args = cobra.ExactArgs(2)
	umountCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return remotefs.UnmountShare(cmd.Context(), c.global.executor(), args[0], args[1])
	}

	cmd.AddCommand(umountCmd)

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }

	return cmd
}
