package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/canonical/imagehost/shared/logger"
	"github.com/canonical/imagehost/shared/subprocess"
)

type cmdProcesses struct {
	global *cmdGlobal
}

func (c *cmdProcesses) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "processes"
	cmd.Short = "Inspect child processes recorded in the --track-file"

	// list
	listCmd := &cobra.Command{}
	listCmd.Use = "list"
	listCmd.Short = "List the recorded processes"
	listCmd.Args = cobra.NoArgs
	listCmd.RunE = c.runList
	cmd.AddCommand(listCmd)

	// stop
	stopCmd := &cobra.Command{}
	stopCmd.Use = "stop"
	stopCmd.Short = "Kill the recorded processes left behind by an interrupted run"
	stopCmd.Args = cobra.NoArgs
	stopCmd.RunE = c.runStop
	cmd.AddCommand(stopCmd)

	// Workaround for subcommand usage errors. See: https://github.com/spf13/cobra/issues/706
	cmd.Args = cobra.NoArgs
	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Usage() }

	return cmd
}

func (c *cmdProcesses) load() (map[string]*subprocess.Process, error) {
	if c.global.flagTrackFile == "" {
		return nil, errors.New("A --track-file is required")
	}

	return subprocess.ImportProcesses(c.global.flagTrackFile)
}

func (c *cmdProcesses) runList(cmd *cobra.Command, args []string) error {
	procs, err := c.load()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(procs)
	if err != nil {
		return err
	}

	fmt.Print(string(out))
	return nil
}

func (c *cmdProcesses) runStop(cmd *cobra.Command, args []string) error {
	procs, err := c.load()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(procs))
	for key := range procs {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		p := procs[key]

		err := p.Stop()
		if err != nil && !errors.Is(err, subprocess.ErrNotRunning) {
			return fmt.Errorf("Failed stopping %q (pid %d): %w", key, p.PID, err)
		}

		logger.Info("Stopped recorded process", logger.Ctx{"key": key, "pid": p.PID, "cmd": p.String()})
	}

	return nil
}
