// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// ErrNotConfirmed indicates the user declined a plan that required
// confirmation.
var ErrNotConfirmed = errors.New("plan not confirmed")

var (
	flagDryRun bool
	flagYes    bool
)

func init() {
	upCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "show what the migration would do without touching anything")
	upCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip confirmation prompts")
}

// -----------------------------------------------------------------------------
// plan
// -----------------------------------------------------------------------------

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Analyze the host and show the migration plan without executing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := manager.PreStartCheck(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return emitJSON(plan)
		}
		fmt.Print(renderPlan(plan))
		return nil
	},
}

// -----------------------------------------------------------------------------
// up
// -----------------------------------------------------------------------------

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the stack, migrating existing installs if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := manager.PreStartCheck(cmd.Context())
		if err != nil {
			return err
		}

		if !flagJSON {
			fmt.Print(renderPlan(plan))
		}

		if flagDryRun {
			result, _ := manager.Migrator().Execute(cmd.Context(), plan, true)
			if flagJSON {
				return emitJSON(result)
			}
			for _, ar := range result.Actions {
				fmt.Println(ar.Output)
			}
			return nil
		}

		if plan.RequiresConfirm && !flagYes {
			if !confirm("Proceed with this plan?") {
				return ErrNotConfirmed
			}
		}

		result := manager.Start(cmd.Context(), plan)
		if flagJSON {
			if err := emitJSON(result); err != nil {
				return err
			}
		} else {
			fmt.Print(renderStartup(result))
		}
		if !result.Success {
			return fmt.Errorf("startup failed")
		}
		return nil
	},
}

// -----------------------------------------------------------------------------
// down
// -----------------------------------------------------------------------------

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the stack and verify everything actually stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		result := manager.Stop(cmd.Context())
		if flagJSON {
			if err := emitJSON(result); err != nil {
				return err
			}
		} else {
			for _, name := range result.Stopped {
				logger.Info("stopped " + name)
			}
		}
		if !result.Success {
			return fmt.Errorf("shutdown incomplete: %s", strings.Join(result.Errors, "; "))
		}
		return nil
	},
}

// -----------------------------------------------------------------------------
// restart
// -----------------------------------------------------------------------------

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop the stack, then start it with a fresh plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		result := manager.Restart(cmd.Context())
		if flagJSON {
			if err := emitJSON(result); err != nil {
				return err
			}
		} else {
			fmt.Print(renderStartup(result))
		}
		if !result.Success {
			return fmt.Errorf("restart failed")
		}
		return nil
	},
}

// -----------------------------------------------------------------------------
// status
// -----------------------------------------------------------------------------

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current state of each service",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses := manager.Status(cmd.Context())
		if flagJSON {
			return emitJSON(statuses)
		}
		fmt.Print(renderStatus(statuses))
		return nil
	},
}

// -----------------------------------------------------------------------------
// detect
// -----------------------------------------------------------------------------

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List existing services and port conflicts on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		detected := manager.Detector().DetectExistingServices(cmd.Context())
		conflicts := manager.Detector().CheckPortConflicts(cmd.Context(), cfg.Ports.Targets)

		if flagJSON {
			return emitJSON(map[string]any{
				"services":  detected,
				"conflicts": conflicts,
			})
		}

		for _, rec := range detected {
			fmt.Printf("%-24s %-24s %-10s port=%d\n", rec.Name, rec.Role, rec.State, rec.Port)
		}
		for _, c := range conflicts {
			fmt.Printf("conflict: port %d (%s): %s\n", c.Port, c.Role, c.Resolution)
		}
		return nil
	},
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// emitJSON writes v to stdout as indented JSON.
func emitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks a y/N question on the terminal.
func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
