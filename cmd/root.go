// Package cmd implements the vaultfs command-line tool: cobra subcommands
// for formatting, recovering, and inspecting a vaultfs volume, wired the
// way the teacher's own cmd package registers subcommands against a
// shared rootCmd with persistent device/config flags (cmd/root.go,
// cmd/list.go, cmd/extract.go).
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/vaultfs/internal/vlog"
)

var (
	devicePath string
	configPath string
	verbose    bool
	passphrase string
)

var rootCmd = &cobra.Command{
	Use:   "vaultfs",
	Short: "Secure transactional filesystem kernel storage toolkit",
	Long: `vaultfs drives the on-disk kernel storage stack directly: format
and recover volumes, inspect tx log buckets, run integrity checks, and dump
VMAR mappings for a running snapshot — all without mounting anything.`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&devicePath, "device", "", "path to the backing device file (required)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a vaultfs config file (toml/yaml/json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "volume passphrase (required)")

	cobra.OnInitialize(func() {
		if verbose {
			vlog.SetLevel(logrus.DebugLevel)
		}
	})
}
