package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "orbitrack"
	version = "v1.2.0"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var (
		configPath string
		pretty     bool
	)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Satellite position pipeline and read API",
		Version: version,
		Long: `orbitrack propagates the tracked satellite catalog on a fixed cadence,
publishes position snapshots to the cache and serves them over HTTP.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.TimeFieldFormat = time.RFC3339
			if pretty {
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human-readable console logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the propagation loop and the read API together",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(configPath, true, true)
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the propagation loop",
		Long:  "Computes and publishes snapshots on the configured cadence without serving HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(configPath, true, false)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run only the read API",
		Long:  "Serves cached snapshots and the live stream; a separate worker owns publication.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(configPath, false, true)
		},
	}

	rootCmd.AddCommand(runCmd, workerCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
