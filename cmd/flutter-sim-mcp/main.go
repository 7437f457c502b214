package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configFlag holds --config; FLUTTERMCP_CONFIG is the fallback.
var configFlag string

var rootCmd = &cobra.Command{
	Use:   "flutter-sim-mcp",
	Short: "MCP server for Flutter development on iOS simulators",
	Long: `flutter-sim-mcp is a Model Context Protocol server that lets an assistant
run Flutter apps and tests on dedicated iOS simulators.

Each session binds one Flutter project to its own simulator. The server
streams flutter run output, drives hot reload and hot restart, and tracks
flutter test results per run.

Configuration:
  Config file: ./flutter-sim-mcp.yaml (or --config, or FLUTTERMCP_CONFIG)
  Environment: FLUTTERMCP_* variables override the file`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to config file")
}

// configPath resolves the config file location.
func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	if p := os.Getenv("FLUTTERMCP_CONFIG"); p != "" {
		return p
	}
	return "flutter-sim-mcp.yaml"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
