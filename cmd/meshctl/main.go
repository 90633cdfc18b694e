package main

import (
	"fmt"
	"os"

	"github.com/danmuck/meshctl/internal/config"
	"github.com/danmuck/meshctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshctl",
		Short: "meshctl - mesh radio client and node database",
		Long: `meshctl talks to a mesh radio over its stream API, keeps a node database in
sync with what the mesh reports and serves it over HTTP.

  meshctl init meshctl.toml
  meshctl run -c meshctl.toml
  meshctl nodes -c meshctl.toml
  meshctl decode "94 c3 00 ..."`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
			if lvl, ok := logging.ParseLevel(logLevel); ok {
				zerolog.SetGlobalLevel(lvl)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides MESHCTL_LOG_LEVEL)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newNodesCmd())
	rootCmd.AddCommand(newDecodeCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the meshctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshctl %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, or returns the defaults when none was given.
func loadConfig() (config.Config, error) {
	if cfgFile == "" {
		cfg := config.DefaultConfig()
		return cfg, config.Validate(cfg)
	}
	return config.Load(cfgFile)
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "meshctl.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
