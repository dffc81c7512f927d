package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-gate/internal/process"
	"github.com/mihaisavezi/claude-gate/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway service",
	Long:  `Start the translation gateway in the foreground, or detached with --detach.`,
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolP("detach", "d", false, "start the gateway in the background")
}

func runStart(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	if detach, _ := cmd.Flags().GetBool("detach"); detach {
		return runDetached()
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting server",
		"host", cfg.Host,
		"port", cfg.Port,
		"upstream", cfg.Upstream.BaseURL,
	)

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	srv := server.New(cfgMgr, logger)

	return srv.Start()
}

// runDetached re-execs the start command in the background and waits for the
// child to come up.
func runDetached() error {
	procMgr := process.NewManager(baseDir)

	started, err := procMgr.StartServiceIfNeeded()
	if err != nil {
		return err
	}

	if !started {
		color.Yellow("Service is already running (pid %d)", procMgr.ReadPID())
		return nil
	}

	color.Green("Service started in background (pid %d)", procMgr.ReadPID())

	return nil
}
