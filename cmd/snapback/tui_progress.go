// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Bubble Tea progress view for `snapback rollback`, grounded on
// services/code_buddy/tui/diff_model.go's model/update/view shape
// (bubbles component + lipgloss styling), simplified from interactive
// per-hunk review down to a one-way progress feed since rollback's
// onProgress callback is fire-and-forget, not a decision point.
package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/snapback/internal/rollback"
)

type progressMsg rollback.ProgressEvent

type doneMsg struct{}

type progressModel struct {
	bar      progress.Model
	total    int
	done     int
	lastPath string
	lastPhase string
	finished bool
}

func newProgressModel(total int) progressModel {
	return progressModel{
		bar:   progress.New(progress.WithDefaultGradient()),
		total: total,
	}
}

func (m progressModel) Init() tea.Cmd { return nil }

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case progressMsg:
		if msg.Phase == "swapping" {
			m.done++
		}
		m.lastPhase = msg.Phase
		m.lastPath = msg.Path
		return m, nil
	case doneMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.finished {
		return ""
	}
	frac := 0.0
	if m.total > 0 {
		frac = float64(m.done) / float64(m.total)
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("rolling back session") + "\n")
	b.WriteString(m.bar.ViewAs(frac) + "\n")
	b.WriteString(fmt.Sprintf("%s %s (%d/%d)\n", phaseStyle.Render(m.lastPhase), m.lastPath, m.done, m.total))
	return b.String()
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	phaseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)
