package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dicklesworthstone/rchd/pkg/config"
	"github.com/Dicklesworthstone/rchd/pkg/daemon"
	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rchd",
	Short: "rchd - remote compilation helper daemon",
	Long: `rchd dispatches compile, test, and lint jobs across a fleet of
remote workers over SSH, streaming output back as if the build ran
locally. The daemon schedules builds against worker capacity, circuit
state, disk pressure, and a multi-signal reliability score.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rchd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the daemon configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs as JSON")

	cobra.OnInitialize(func() {
		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: logJSON,
		})
	})

	rootCmd.AddCommand(serveCmd)
}

func defaultConfigPath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.config/rchd/config.yaml"
	}
	return "/etc/rchd/config.yaml"
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.LogLevel = logLevel
	cfg.LogJSON = logJSON

	d := daemon.New(cfg, Version)
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	daemonLogger := log.WithComponent("daemon")

	// Hot-reload is best-effort: a broken watch never stops the daemon.
	watcher, err := config.NewWatcher(configPath, func(next config.Config) {
		daemonLogger.Info().Msg("configuration change observed; restart to apply worker changes")
	})
	if err == nil {
		watcher.Start()
		defer watcher.Stop()
	} else {
		daemonLogger.Warn().Err(err).Msg("config watch unavailable")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	daemonLogger.Info().Str("signal", sig.String()).Msg("shutting down")

	d.Stop()
	return nil
}
