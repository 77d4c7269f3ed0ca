package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terrpan/dispatch/internal/buildinfo"
	"github.com/terrpan/dispatch/internal/config"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Parallel job distribution engine",
	Long: `dispatch routes, balances, schedules and executes batches of jobs
across a pool of workers on a pluggable compute engine (Docker, GCP).
Batches may declare dependencies between jobs; independent jobs run in
parallel up to a global concurrency ceiling.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.  Without a subcommand the
server is started.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the executor and its HTTP API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		f := cmd.Flags()
		f.StringVar(&flagOverrides.Server.Addr, "addr", "", "HTTP listen address (e.g. :8080)")
		f.IntVar(&flagOverrides.Executor.MaxConcurrentJobs, "max-concurrent", 0, "Maximum concurrently executing jobs")
		f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (docker, gcp)")
		f.StringVar(&flagOverrides.LoadBalancer.Strategy, "strategy", "", "Load balancing strategy (round_robin, least_loaded, weighted)")
		f.BoolVar(&flagOverrides.ScaleSet.Enabled, "scaleset", false, "Also serve a GitHub Actions runner scale set")
	}

	rootCmd.AddCommand(serveCmd, planCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Executor.MaxConcurrentJobs != 0 {
		cfg.Executor.MaxConcurrentJobs = flagOverrides.Executor.MaxConcurrentJobs
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.LoadBalancer.Strategy != "" {
		cfg.LoadBalancer.Strategy = flagOverrides.LoadBalancer.Strategy
	}
	if flagOverrides.ScaleSet.Enabled {
		cfg.ScaleSet.Enabled = true
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return serve(ctx, cfg)
}
