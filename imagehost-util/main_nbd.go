package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/canonical/imagehost/imagehost/disk/mount"
)

type cmdNbd struct {
	global *cmdGlobal
}

func (c *cmdNbd) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "nbd"
	cmd.Short = "Attach images to nbd devices"

	// attach
	attachCmd := cmdNbdAttach{global: c.global}
	cmd.AddCommand(attachCmd.command())

	// detach
	detachCmd := cmdNbdDetach{global: c.global}
	cmd.AddCommand(detachCmd.command())

	// flush
	flushCmd := cmdNbdFlush{global: c.global}
	cmd.AddCommand(flushCmd.command())

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }

	return cmd
}

// nbdMount returns an NbdMount set up from the configuration.
func (c *cmdGlobal) nbdMount(image string) *mount.NbdMount {
	cfg := c.config

	return mount.NewNbdMount(image, c.executor(),
		mount.WithTimeout(cfg.TimeoutNbd),
		mount.WithRetryPolicy(mount.NewRetryPolicy(cfg.Nbd.MaxDeviceWait, cfg.Nbd.RetryInterval)),
		mount.WithLockPath(cfg.LockPath))
}

type nbdAttachment struct {
	ID     string `yaml:"id"`
	Image  string `yaml:"image"`
	Device string `yaml:"device"`
}

// Attach.
type cmdNbdAttach struct {
	global *cmdGlobal

	flagHold bool
}

func (c *cmdNbdAttach) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "attach <image>"
	cmd.Short = "Attach an image file to a free nbd device"
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.run
	cmd.Flags().BoolVar(&c.flagHold, "hold", false, "Keep the device attached until interrupted, then detach it")

	return cmd
}

func (c *cmdNbdAttach) run(cmd *cobra.Command, args []string) error {
	m := c.global.nbdMount(args[0])

	if !m.GetDev(cmd.Context()) {
		return fmt.Errorf("Failed attaching %q: %s", args[0], m.Error)
	}

	out, err := yaml.Marshal(nbdAttachment{ID: m.ID, Image: m.Image, Device: m.Device})
	if err != nil {
		return err
	}

	fmt.Print(string(out))

	if !c.flagHold {
		return nil
	}

	<-cmd.Context().Done()

	ctx := context.WithoutCancel(cmd.Context())

	err = m.FlushDev(ctx)
	if err != nil {
		return err
	}

	return m.UngetDev(ctx)
}

// Detach.
type cmdNbdDetach struct {
	global *cmdGlobal
}

func (c *cmdNbdDetach) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "detach <device>"
	cmd.Short = "Disconnect an nbd device"
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.run

	return cmd
}

func (c *cmdNbdDetach) run(cmd *cobra.Command, args []string) error {
	m := c.global.nbdMount("")
	m.Device = args[0]
	m.Linked = true

	return m.UngetDev(cmd.Context())
}

// Flush.
type cmdNbdFlush struct {
	global *cmdGlobal
}

func (c *cmdNbdFlush) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "flush <device>"
	cmd.Short = "Flush the buffers of an nbd device"
	cmd.Args = cobra.ExactArgs(1)
	cmd.RunE = c.run

	return cmd
}

func (c *cmdNbdFlush) run(cmd *cobra.Command, args []string) error {
	return c.global.executor().BlockdevFlush(cmd.Context(), args[0])
}
