// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LL4nc33/doom-coding/cmd/doomctl/config"
	"github.com/LL4nc33/doom-coding/pkg/logging"
)

// Version is stamped by the build.
var Version = "dev"

var (
	cfg     config.Config
	logger  *logging.Logger
	manager *ServiceManager

	flagConfig  string
	flagVerbose bool
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "doomctl",
	Short: "Manage the doom-coding container stack",
	Long: `doomctl orchestrates the doom-coding development stack: a code-server
web IDE, a tailscale VPN sidecar, and an AI assistant container.

It detects existing installs (managed or not), plans safe migrations,
and manages the stack lifecycle through podman and podman-compose.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			home, _ := os.UserHomeDir()
			path = filepath.Join(home, ".doom-coding", "config.yaml")
		}

		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if flagVerbose {
			cfg.Logging.Verbose = true
		}

		logger = logging.New(logging.Config{
			LogDir:  cfg.Logging.Dir,
			Service: "doomctl",
			Verbose: cfg.Logging.Verbose,
			// JSON mode keeps stdout machine-readable; route user chatter
			// to the durable sink only.
			Quiet: flagJSON,
		})
		manager = NewServiceManager(NewDefaultProcessManager(), cfg, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default ~/.doom-coding/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show all subprocess output")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit machine-readable JSON on stdout")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(detectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
