package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/canonical/imagehost/imagehost/config"
	"github.com/canonical/imagehost/imagehost/privsep"
	"github.com/canonical/imagehost/shared/logger"
	"github.com/canonical/imagehost/shared/subprocess"
)

type cmdGlobal struct {
	config  *config.Config
	tracker *subprocess.Tracker

	flagConfig    string
	flagDebug     bool
	flagVerbose   bool
	flagLogFile   string
	flagTrackFile string
	flagHelp      bool
}

// preRun loads the configuration and sets up logging before any sub-command.
func (c *cmdGlobal) preRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		return err
	}

	c.config = cfg

	logFile := c.flagLogFile
	if logFile == "" {
		logFile = cfg.Logging.File
	}

	err = logger.InitLogger(logFile, c.flagVerbose || cfg.Logging.Verbose, c.flagDebug || cfg.Logging.Debug)
	if err != nil {
		return err
	}

	if c.flagTrackFile != "" {
		c.tracker.SetStatePath(c.flagTrackFile)
	}

	return nil
}

// executor returns the privileged command executor for the configured root helper.
func (c *cmdGlobal) executor() privsep.Executor {
	return privsep.NewHelper(c.config.RootHelper)
}

// runner returns a subprocess.RunFunc registering each process with the
// tracker under key, so an interrupt can kill it.
func (c *cmdGlobal) runner(key string) subprocess.RunFunc {
	return func(ctx context.Context, cb subprocess.Callbacks, name string, args ...string) (string, error) {
		tracked := c.tracker.Callbacks(key)

		return subprocess.Run(ctx, subprocess.Callbacks{
			OnExecute: func(p *subprocess.Process) {
				tracked.OnExecute(p)
				if cb.OnExecute != nil {
					cb.OnExecute(p)
				}
			},
			OnCompletion: func(p *subprocess.Process) {
				if cb.OnCompletion != nil {
					cb.OnCompletion(p)
				}

				tracked.OnCompletion(p)
			},
		}, name, args...)
	}
}

func main() {
	app := &cobra.Command{}
	app.Use = "imagehost-util"
	app.Short = "Image host helper for nbd devices, remote filesystems and shares"
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	// Global flags
	globalCmd := cmdGlobal{tracker: subprocess.NewTracker()}
	app.PersistentPreRunE = globalCmd.preRun
	app.PersistentFlags().StringVar(&globalCmd.flagConfig, "config", "", "Path to the configuration file"+"``")
	app.PersistentFlags().BoolVar(&globalCmd.flagDebug, "debug", false, "Show all debug messages")
	app.PersistentFlags().BoolVarP(&globalCmd.flagVerbose, "verbose", "v", false, "Show all information messages")
	app.PersistentFlags().StringVar(&globalCmd.flagLogFile, "logfile", "", "Path to the log file"+"``")
	app.PersistentFlags().StringVar(&globalCmd.flagTrackFile, "track-file", "", "Keep the running child processes listed in this file"+"``")
	app.PersistentFlags().BoolVarP(&globalCmd.flagHelp, "help", "h", false, "Print help")

	// nbd sub-command
	nbdCmd := cmdNbd{global: &globalCmd}
	app.AddCommand(nbdCmd.command())

	// remotefs sub-command
	remotefsCmd := cmdRemotefs{global: &globalCmd}
	app.AddCommand(remotefsCmd.command())

	// share sub-command
	shareCmd := cmdShare{global: &globalCmd}
	app.AddCommand(shareCmd.command())

	// download sub-command
	downloadCmd := cmdDownload{global: &globalCmd}
	app.AddCommand(downloadCmd.command())

	// config sub-command
	configCmd := cmdConfig{global: &globalCmd}
	app.AddCommand(configCmd.command())

	// processes sub-command
	processesCmd := cmdProcesses{global: &globalCmd}
	app.AddCommand(processesCmd.command())

	// Kill tracked children and cancel the context on interrupt.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("Received signal, cancelling", logger.Ctx{"signal": sig})

		err := globalCmd.tracker.CancelAll()
		if err != nil {
			logger.Warn("Failed to stop child processes", logger.Ctx{"err": err})
		}

		cancel()
	}()

	// Run the main command and handle errors
	err := app.ExecuteContext(ctx)
	if err != nil {
		os.Exit(1)
	}
}
