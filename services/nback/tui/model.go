// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tui is the terminal trainer.
//
// # Description
//
// Model renders the 3x3 grid, the current letter, the live tally, block
// progress and the N trend, and turns key presses into Controller calls.
// Engine events and presentation cues reach the bubbletea loop through
// EventBridge and present.Queue, so the engine never blocks on the terminal.
//
// # Thread Safety
//
// Model is designed for single-threaded use within the bubbletea event loop.
// EventBridge is safe for concurrent use.
package tui

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	bprogress "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/present"
	"github.com/AleutianAI/DualNBack/services/nback/progress"
)

// =============================================================================
// Messages
// =============================================================================

// EventMsg carries one engine event into the update loop.
type EventMsg engine.Event

// CueMsg carries one presentation cue into the update loop.
type CueMsg present.Cue

// closedMsg reports that an input channel closed.
type closedMsg struct{}

// =============================================================================
// EventBridge
// =============================================================================

// EventBridge is an engine.Listener that forwards events to a channel.
//
// OnEvent never blocks: when the buffer is full the event is dropped and
// counted. The TUI re-reads the Snapshot on every event, so a dropped event
// only delays a redraw.
type EventBridge struct {
	ch      chan engine.Event
	dropped atomic.Int64
}

// NewEventBridge creates a bridge with the given buffer. size <= 0 uses 64.
func NewEventBridge(size int) *EventBridge {
	if size <= 0 {
		size = 64
	}
	return &EventBridge{ch: make(chan engine.Event, size)}
}

// OnEvent implements engine.Listener.
func (b *EventBridge) OnEvent(e engine.Event) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// C returns the event channel.
func (b *EventBridge) C() <-chan engine.Event {
	return b.ch
}

// Dropped returns how many events did not fit the buffer.
func (b *EventBridge) Dropped() int64 {
	return b.dropped.Load()
}

// =============================================================================
// Model
// =============================================================================

// Trainer is the part of engine.Controller the TUI drives.
type Trainer interface {
	Start() bool
	Stop() bool
	ResetBlock()
	SetN(n int) int
	SubmitResponse(ch engine.Channel) engine.SubmitResult
	Snapshot() engine.Snapshot
}

// Options configures a Model.
type Options struct {
	// Trainer is required.
	Trainer Trainer

	// Events and Cues feed the update loop. Either may be nil.
	Events <-chan engine.Event
	Cues   <-chan present.Cue

	// Trend is shown under the tally. Optional.
	Trend *progress.TrendAnalyzer

	// Bell receives a terminal bell for each tone cue. Nil disables it.
	Bell io.Writer

	Keys KeyMap
}

// Model is the bubbletea model of the trainer.
type Model struct {
	trainer Trainer
	events  <-chan engine.Event
	cues    <-chan present.Cue
	trend   *progress.TrendAnalyzer
	bell    io.Writer

	keys     KeyMap
	help     help.Model
	progress bprogress.Model

	snap     engine.Snapshot
	cue      *present.Cue
	feedback [2]engine.Outcome
	marked   [2]bool
	last     *engine.BlockResult
	status   string

	width    int
	quitting bool
}

// NewModel creates the trainer model.
func NewModel(opts Options) Model {
	keys := opts.Keys
	if len(keys.Quit.Keys()) == 0 {
		keys = DefaultKeyMap()
	}
	return Model{
		trainer:  opts.Trainer,
		events:   opts.Events,
		cues:     opts.Cues,
		trend:    opts.Trend,
		bell:     opts.Bell,
		keys:     keys,
		help:     help.New(),
		progress: bprogress.New(bprogress.WithSolidFill(string(ColorTealPrimary)), bprogress.WithoutPercentage()),
		snap:     opts.Trainer.Snapshot(),
		status:   "press space to start",
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), waitForCue(m.cues))
}

func waitForEvent(ch <-chan engine.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return EventMsg(e)
	}
}

func waitForCue(ch <-chan present.Cue) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return CueMsg(c)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.progress.Width = min(max(msg.Width-10, 10), 40)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		m.applyEvent(engine.Event(msg))
		return m, waitForEvent(m.events)

	case CueMsg:
		c := present.Cue(msg)
		m.cue = &c
		cmds := []tea.Cmd{waitForCue(m.cues)}
		if c.Kind == present.CueTone && m.bell != nil {
			cmds = append(cmds, ringBell(m.bell))
		}
		return m, tea.Batch(cmds...)

	case closedMsg:
		return m, nil
	}
	return m, nil
}

func ringBell(w io.Writer) tea.Cmd {
	return func() tea.Msg {
		_, _ = io.WriteString(w, "\a")
		return nil
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.trainer.Stop()
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, m.keys.Toggle):
		if m.snap.State == engine.StateIdle {
			if m.trainer.Start() {
				m.feedback = [2]engine.Outcome{}
				m.marked = [2]bool{}
				m.status = "running"
			}
		} else if m.trainer.Stop() {
			m.status = "stopped"
		}

	case key.Matches(msg, m.keys.Reset):
		m.trainer.ResetBlock()
		m.marked = [2]bool{}
		m.status = "block reset"

	case key.Matches(msg, m.keys.Up):
		if m.snap.State == engine.StateIdle {
			n := m.trainer.SetN(m.snap.N + 1)
			m.status = fmt.Sprintf("N = %d", n)
		}

	case key.Matches(msg, m.keys.Down):
		if m.snap.State == engine.StateIdle {
			n := m.trainer.SetN(m.snap.N - 1)
			m.status = fmt.Sprintf("N = %d", n)
		}

	case key.Matches(msg, m.keys.Position):
		m.respond(engine.ChannelPosition)

	case key.Matches(msg, m.keys.Sound):
		m.respond(engine.ChannelSound)
	}

	m.snap = m.trainer.Snapshot()
	return m, nil
}

func (m *Model) respond(ch engine.Channel) {
	switch m.trainer.SubmitResponse(ch) {
	case engine.SubmitAccepted:
		m.marked[ch] = true
	case engine.SubmitDuplicate:
		m.status = ch.String() + " already answered"
	case engine.SubmitNoWindow:
		m.status = "too late"
	}
}

func (m *Model) applyEvent(e engine.Event) {
	switch e.Kind {
	case engine.EventTrialStarted:
		m.feedback = [2]engine.Outcome{}
		m.marked = [2]bool{}
	case engine.EventOutcome:
		if e.Channel.Valid() {
			m.feedback[e.Channel] = e.Outcome
		}
	case engine.EventBlockCompleted:
		if e.Result != nil {
			r := *e.Result
			m.last = &r
			m.status = fmt.Sprintf("block %d: %.0f%%, %s to N=%d", r.Block, r.Accuracy*100, r.Decision, r.NextN)
		}
	case engine.EventStateChanged:
		if e.State == engine.StateIdle {
			m.cue = nil
		}
	}
	m.snap = m.trainer.Snapshot()
}

// =============================================================================
// View
// =============================================================================

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return "Session ended.\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")

	board := lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderGrid(),
		"  ",
		lipgloss.JoinVertical(lipgloss.Left,
			m.renderLetter(),
			"",
			m.renderTally(),
		),
	)
	b.WriteString(board)
	b.WriteString("\n\n")
	b.WriteString(m.renderProgress())
	b.WriteString("\n")
	b.WriteString(m.renderTrend())
	b.WriteString("\n")
	b.WriteString(styles.Muted.Render(m.status))
	b.WriteString("\n\n")
	b.WriteString(m.help.View(m.keys))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderHeader() string {
	title := styles.Title.Render(fmt.Sprintf("Dual %d-Back", m.snap.N))
	info := fmt.Sprintf("  %s  block %d", m.snap.State, m.snap.Block)
	if m.snap.PendingN != m.snap.N {
		info += fmt.Sprintf("  next N=%d", m.snap.PendingN)
	}
	return title + styles.Subtitle.Render(info)
}

func (m Model) renderGrid() string {
	active := -1
	if m.snap.Current != nil && m.snap.State == engine.StateRunning {
		active = m.snap.Current.Position
	}

	rows := make([]string, 0, engine.GridSize)
	for r := 0; r < engine.GridSize; r++ {
		cells := make([]string, 0, engine.GridSize)
		for c := 0; c < engine.GridSize; c++ {
			if r*engine.GridSize+c == active {
				cells = append(cells, styles.Active.Render("■"))
			} else {
				cells = append(cells, styles.Cell.Render(" "))
			}
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) renderLetter() string {
	if m.snap.State != engine.StateRunning || m.snap.Current == nil {
		return styles.Letter.Render("·")
	}
	letter := string(m.snap.Current.Letter)
	line := styles.Letter.Render(letter)
	if m.cue != nil && m.cue.Kind == present.CueTone {
		line += styles.Muted.Render(fmt.Sprintf(" %.0f Hz", m.cue.FrequencyHz))
	}
	return line
}

func (m Model) renderTally() string {
	t := m.snap.Tally
	pos := fmt.Sprintf("position  %2d hit  %2d miss  %2d false  %s",
		t.PosHits, t.PosMisses, t.PosFalseAlarms, m.mark(engine.ChannelPosition))
	snd := fmt.Sprintf("sound     %2d hit  %2d miss  %2d false  %s",
		t.SndHits, t.SndMisses, t.SndFalseAlarms, m.mark(engine.ChannelSound))
	acc := fmt.Sprintf("accuracy  %.0f%%", m.snap.Accuracy*100)
	return styles.Panel.Render(lipgloss.JoinVertical(lipgloss.Left, pos, snd, acc))
}

// mark renders the feedback for the current trial on ch.
func (m Model) mark(ch engine.Channel) string {
	if m.marked[ch] && m.feedback[ch] == engine.OutcomeNone {
		return styles.Subtitle.Render("•")
	}
	switch m.feedback[ch] {
	case engine.OutcomeHit:
		return styles.Success.Render("✓")
	case engine.OutcomeFalseAlarm:
		return styles.Error.Render("✗")
	case engine.OutcomeMiss:
		return styles.Warning.Render("○")
	default:
		return " "
	}
}

func (m Model) renderProgress() string {
	total := max(m.snap.TrialsPerBlock, 1)
	done := min(m.snap.TrialIndex, total)
	pct := float64(done) / float64(total)
	return fmt.Sprintf("%s %d/%d", m.progress.ViewAs(pct), done, total)
}

func (m Model) renderTrend() string {
	if m.trend == nil {
		return ""
	}
	t := m.trend.Trend()
	if t.TotalBlocks == 0 {
		return styles.Muted.Render("no blocks yet")
	}
	return styles.Subtitle.Render(fmt.Sprintf("trend %s  peak N=%d  rolling %.0f%%",
		t.Direction, t.PeakN, t.RollingAccuracy*100))
}
