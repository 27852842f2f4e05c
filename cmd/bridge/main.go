package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pkdiagram/serverbridge/pkg/client"
	"github.com/pkdiagram/serverbridge/pkg/observability"
)

// this is set by the build script and used by the observability package
var commit string

var (
	configPath      string
	debug           bool
	noObservability bool

	settings *client.Settings
	logger   *observability.BridgeLogger = observability.NoOpLogger
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Issue requests to the diagram server and correlate their responses",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		settings, err = client.LoadSettings(configPath)
		if err != nil {
			return err
		}
		if debug {
			settings.Debug = true
		}

		logger = observability.SetupDefaultLogger(settings.LogFile, settings.Debug, observability.Tags{
			"client_version": settings.ClientVersion,
			"command":        cmd.Name(),
		})
		observability.InitSentry(settings.SentryDSN, noObservability, commit)
		logger.Debug("settings loaded", "config", configPath, "base_url", settings.BaseURL)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		observability.Flush()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "settings file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log to stderr")
	rootCmd.PersistentFlags().BoolVar(&noObservability, "no-observability", false, "turn off error reporting")

	rootCmd.AddCommand(requestCmd, serveCmd)
}

func main() {
	defer observability.Reraise()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
