package main

import (
	"github.com/spf13/cobra"

	"github.com/canonical/imagehost/imagehost/remotefs"
	"github.com/canonical/imagehost/shared/subprocess"
)

type cmdRemotefs struct {
	global *cmdGlobal

	flagNoCompression bool
}

func (c *cmdRemotefs) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "remotefs"
	cmd.Short = "Manage files on a remote host"
	cmd.Long = "Manage files on a remote host using the configured transport (ssh or rsync)"

	type hostPathOp func(fs *remotefs.RemoteFilesystem, cmd *cobra.Command, host string, path string) error

	hostPath := func(use string, short string, op hostPathOp) *cobra.Command {
		sub := &cobra.Command{}
		sub.Use = use + " <host> <path>"
		sub.Short = short
		sub.Args = cobra.ExactArgs(2)
		sub.RunE = func(cmd *cobra.Command, args []string) error {
			fs, err := c.filesystem(use)
			if err != nil {
				return err
			}

			return op(fs, cmd, args[0], args[1])
		}

		return sub
	}

	cmd.AddCommand(hostPath("create-file", "Create an empty file", func(fs *remotefs.RemoteFilesystem, cmd *cobra.Command, host string, path string) error {
		return fs.CreateFile(cmd.Context(), host, path, subprocess.Callbacks{})
	}))

	cmd.AddCommand(hostPath("remove-file", "Remove a file", func(fs *remotefs.RemoteFilesystem, cmd *cobra.Command, host string, path string) error {
		return fs.RemoveFile(cmd.Context(), host, path, subprocess.Callbacks{})
	}))

	cmd.AddCommand(hostPath("create-dir", "Create a directory and its parents", func(fs *remotefs.RemoteFilesystem, cmd *cobra.Command, host string, path string) error {
		return fs.CreateDir(cmd.Context(), host, path, subprocess.Callbacks{})
	}))

	cmd.AddCommand(hostPath("remove-dir", "Remove a directory and its content", func(fs *remotefs.RemoteFilesystem, cmd *cobra.Command, host string, path string) error {
		return fs.RemoveDir(cmd.Context(), host, path, subprocess.Callbacks{})
	}))

	// copy
	copyCmd := &cobra.Command{}
	copyCmd.Use = "copy <src> <dst>"
	copyCmd.Short = "Copy a file or directory, either side may be host:path"
	copyCmd.Args = cobra.ExactArgs(2)
	copyCmd.Flags().BoolVar(&c.flagNoCompression, "no-compression", false, "Don't compress the transfer")
	copyCmd.RunE = func(cmd *cobra.Command, args []string) error {
		fs, err := c.filesystem("copy")
		if err != nil {
			return err
		}

		return fs.CopyFile(cmd.Context(), args[0], args[1], subprocess.Callbacks{}, !c.flagNoCompression)
	}

	cmd.AddCommand(copyCmd)

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }

	return cmd
}

func (c *cmdRemotefs) filesystem(key string) (*remotefs.RemoteFilesystem, error) {
	return remotefs.New(c.global.config.Libvirt.RemoteFilesystemTransport, remotefs.WithRunner(c.global.runner("remotefs-"+key)))
}
