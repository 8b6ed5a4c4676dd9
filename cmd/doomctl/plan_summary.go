// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Styles for the plan and status renderings. Lipgloss degrades to plain
// text when the output is not a terminal.
var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	stepStyle   = lipgloss.NewStyle().PaddingLeft(2)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	strategyMsg = map[MigrationStrategy]string{
		StrategyFresh:           "fresh install, nothing relevant detected",
		StrategyUpgrade:         "upgrade of an existing managed install",
		StrategyMigrateExternal: "migration from an external code-server",
		StrategyParallel:        "install alongside existing services on alternate ports",
	}
)

// renderPlan renders a migration plan for user confirmation.
func renderPlan(plan *MigrationPlan) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Migration plan: "+string(plan.Strategy)) + "\n")
	if msg, ok := strategyMsg[plan.Strategy]; ok {
		b.WriteString(faintStyle.Render(msg) + "\n")
	}

	if len(plan.Actions) == 0 {
		b.WriteString(stepStyle.Render("nothing to migrate") + "\n")
	}
	for _, action := range plan.Actions {
		marker := " "
		if !action.Reversible {
			marker = "!"
		}
		b.WriteString(stepStyle.Render(fmt.Sprintf("%d. [%s] %s %s", action.Order, action.Type, action.Description, faintStyle.Render(marker))) + "\n")
	}

	if len(plan.ResolvedPorts) > 0 {
		b.WriteString(titleStyle.Render("Ports") + "\n")
		roles := make([]string, 0, len(plan.ResolvedPorts))
		for role := range plan.ResolvedPorts {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			b.WriteString(stepStyle.Render(fmt.Sprintf("%-12s %d", role, plan.ResolvedPorts[role])) + "\n")
		}
	}

	for _, warning := range plan.Warnings {
		b.WriteString(warnStyle.Render("warning: "+warning) + "\n")
	}
	if plan.RequiresConfirm {
		b.WriteString(warnStyle.Render("this plan requires confirmation before it runs") + "\n")
	}

	return b.String()
}

// renderStatus renders the per-role status table.
func renderStatus(statuses []ServiceStatus) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Stack status") + "\n")
	for _, s := range statuses {
		state := string(s.State)
		switch s.State {
		case StateHealthy, StateRunning:
			state = okStyle.Render(state)
		case StateUnhealthy:
			state = badStyle.Render(state)
		case StateStopped, StateUnknown:
			state = faintStyle.Render(state)
		}

		port := ""
		if s.Port > 0 {
			port = fmt.Sprintf(":%d", s.Port)
		}
		b.WriteString(stepStyle.Render(fmt.Sprintf("%-12s %-22s %s%s", s.Name, s.ContainerName, state, faintStyle.Render(port))) + "\n")
	}

	return b.String()
}

// renderStartup renders the final startup summary with access URLs.
func renderStartup(result *StartupResult) string {
	var b strings.Builder

	if result.Success {
		b.WriteString(okStyle.Render("stack is up") + faintStyle.Render(fmt.Sprintf(" (%s)", result.Duration.Round(100*time.Millisecond))) + "\n")
	} else {
		b.WriteString(badStyle.Render("startup failed") + "\n")
		for _, e := range result.Errors {
			b.WriteString(stepStyle.Render(badStyle.Render(e)) + "\n")
		}
	}

	for _, w := range result.Warnings {
		b.WriteString(warnStyle.Render("warning: "+w) + "\n")
	}

	if len(result.AccessURLs) > 0 {
		b.WriteString(titleStyle.Render("Access") + "\n")
		for _, url := range result.AccessURLs {
			b.WriteString(stepStyle.Render(url) + "\n")
		}
	}

	return b.String()
}
