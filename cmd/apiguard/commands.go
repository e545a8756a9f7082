package main

import (
	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/apiguard/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	envFiles []string

	rootCmd = &cobra.Command{
		Use:   "apiguard",
		Short: "Resilient outbound API client with health monitoring and alerting",
		Long: `apiguard wraps calls to an upstream API with retries, per-endpoint
circuit breakers, a response cache and fallbacks, and watches the upstream
with health probes and alert rules.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and serve the admin API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	requestCmd = &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send one request through the resilience pipeline and print the response",
		Args:  cobra.ExactArgs(2),
		RunE:  runRequest,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE:  runConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("apiguard %s\n", version)
		},
	}
)

// request flags
var (
	requestData    string
	requestHeaders []string
	requestParams  map[string]string
	requestCache   bool
	requestInclude bool
	requestLogs    string
)

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load before reading the environment (default .env when present)")

	serveCmd.Flags().Int("port", 0, "override SERVER_PORT")

	requestCmd.Flags().StringVarP(&requestData, "data", "d", "", "request body")
	requestCmd.Flags().StringArrayVarP(&requestHeaders, "header", "H", nil, `extra header as "Name: value" (repeatable)`)
	requestCmd.Flags().StringToStringVarP(&requestParams, "param", "p", nil, "query parameters as key=value")
	requestCmd.Flags().BoolVar(&requestCache, "cache", true, "allow the response cache for GET and HEAD")
	requestCmd.Flags().BoolVarP(&requestInclude, "include", "i", false, "print status and pipeline metadata before the body")
	requestCmd.Flags().StringVar(&requestLogs, "logs", "", "after the call, write the captured logs to stderr as json or csv")

	rootCmd.AddCommand(serveCmd, requestCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	if cfg.Version == "" || cfg.Version == "dev" {
		cfg.Version = version
	}
	return cfg, nil
}
