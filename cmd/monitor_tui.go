// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/canbridge/pkg/cache"
	"github.com/Thermoquad/canbridge/pkg/pipeline"
)

// monitorEvent is one line of the event log
type monitorEvent struct {
	at      time.Time
	message string
	isError bool
}

// monitorSource is what the dashboard reads from a running pipeline
type monitorSource struct {
	title       string
	stats       func() pipeline.Statistics
	cache       *cache.Cache
	lockTimeout time.Duration
	events      <-chan monitorEvent
	done        <-chan struct{}
}

// TUI model
type monitorModel struct {
	src           monitorSource
	stats         pipeline.Statistics
	signals       table.Model
	spinner       spinner.Model
	haveSignals   bool
	stale         bool
	stopped       bool
	eventLog      []monitorEvent
	maxLogEntries int
	width         int
	height        int
	quitting      bool
}

// Messages
type monitorTickMsg time.Time
type monitorEventMsg monitorEvent
type monitorDoneMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// formatUptime formats a duration in milliseconds to a human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	unit := func(n uint64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, unit(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, unit(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, unit(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, unit(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func newMonitorModel(src monitorSource) monitorModel {
	t := table.New(
		table.WithColumns(signalColumns(80)),
		table.WithHeight(8),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)

	return monitorModel{
		src:           src,
		signals:       t,
		spinner:       spinner.New(spinner.WithSpinner(spinner.Dot)),
		eventLog:      make([]monitorEvent, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func signalColumns(width int) []table.Column {
	values := width - 6 - 14 - 7 - 8 - 12
	if values < 20 {
		values = 20
	}
	return []table.Column{
		{Title: "Kind", Width: 14},
		{Title: "ID", Width: 7},
		{Title: "Values", Width: values},
		{Title: "Valid", Width: 8},
		{Title: "Updated", Width: 12},
	}
}

// signalRows renders cache entries as table rows
func signalRows(snap cache.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		var values []string
		for _, f := range e.Signal.Fields {
			values = append(values, f.Name+"="+strconv.FormatFloat(f.Value, 'f', -1, 64))
		}
		valid := "yes"
		if !e.Signal.Valid {
			valid = "INVALID"
		}
		rows = append(rows, table.Row{
			e.Signal.Kind,
			fmt.Sprintf("0x%03X", e.Signal.ID),
			strings.Join(values, " "),
			valid,
			e.UpdatedAt.Format("15:04:05.000"),
		})
	}
	return rows
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		monitorTickCmd(),
		m.spinner.Tick,
		waitMonitorEvent(m.src.events),
		waitMonitorDone(m.src.done),
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func waitMonitorEvent(events <-chan monitorEvent) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return nil
		}
		return monitorEventMsg(e)
	}
}

func waitMonitorDone(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return monitorDoneMsg{}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.signals.SetColumns(signalColumns(m.width))

	case monitorTickMsg:
		m.refresh()
		return m, monitorTickCmd()

	case monitorEventMsg:
		m.addLogEntry(monitorEvent(msg))
		return m, waitMonitorEvent(m.src.events)

	case monitorDoneMsg:
		m.stopped = true
		m.refresh()
		m.addLogEntry(monitorEvent{at: time.Now(), message: "pipeline stopped (press 'q' to exit)"})

	case spinner.TickMsg:
		if m.haveSignals {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// refresh pulls counters and a cache snapshot from the pipeline
func (m *monitorModel) refresh() {
	if m.src.stats != nil {
		m.stats = m.src.stats()
	}
	if m.src.cache == nil {
		return
	}
	snap, stale := m.src.cache.Snapshot(m.src.lockTimeout)
	m.stale = stale
	if len(snap.Entries) > 0 {
		m.haveSignals = true
	}
	m.signals.SetRows(signalRows(snap))
}

func (m *monitorModel) addLogEntry(e monitorEvent) {
	m.eventLog = append(m.eventLog, e)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("CANBRIDGE - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(m.src.title + " | Press 'q' to quit"))
	s.WriteString("\n\n")

	// Signals
	switch {
	case !m.haveSignals:
		s.WriteString(warningStyle.Render(m.spinner.View() + " Waiting for signals..."))
		s.WriteString("\n\n")
	default:
		label := "Latest Signals:"
		s.WriteString(statsLabelStyle.Render(label))
		if m.stale {
			s.WriteString(warningStyle.Render(" (stale: cache busy)"))
		}
		s.WriteString("\n")
		s.WriteString(boxStyle.Render(m.signals.View()))
		s.WriteString("\n\n")
	}

	s.WriteString(boxStyle.Render(m.statsView()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 24 // Reserve space for header, signals and stats
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.eventLog[startIdx:] {
			timestamp := entry.at.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))
	return s.String()
}

func (m monitorModel) statsView() string {
	st := m.stats
	var b strings.Builder

	state := statsValueStyle.Render("running")
	if m.stopped {
		state = warningStyle.Render("stopped")
	}
	b.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		statsLabelStyle.Render("Pipeline:"), state,
		statsLabelStyle.Render("Uptime:"), statsValueStyle.Render(formatUptime(uint64(st.Elapsed.Milliseconds()))),
	))

	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", st.FramesReceived)),
		statsLabelStyle.Render("Known:"), statsValueStyle.Render(fmt.Sprintf("%d", st.KnownFrames)),
		statsLabelStyle.Render("Unknown:"), statsValueStyle.Render(fmt.Sprintf("%d", st.UnknownFrames)),
		statsLabelStyle.Render("Changes:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Changes)),
	))

	queue := statsValueStyle.Render(fmt.Sprintf("%d/%d", st.QueueLen, st.QueueCap))
	if st.QueueCap > 0 && st.QueueLen*10 >= st.QueueCap*9 {
		queue = errorStyle.Render(fmt.Sprintf("%d/%d", st.QueueLen, st.QueueCap))
	}
	drops := statsValueStyle.Render(fmt.Sprintf("%d", st.QueueDrops))
	if st.QueueDrops > 0 {
		drops = errorStyle.Render(fmt.Sprintf("%d", st.QueueDrops))
	}
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Queue:"), queue,
		statsLabelStyle.Render("Drops:"), drops,
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
	))

	failed := st.BatchesRejected + st.BatchesAbandoned
	failedStr := statsValueStyle.Render(fmt.Sprintf("%d", failed))
	if failed > 0 {
		failedStr = errorStyle.Render(fmt.Sprintf("%d", failed))
	}
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		statsLabelStyle.Render("Delivered:"), statsValueStyle.Render(fmt.Sprintf("%d batches / %d frames", st.BatchesDelivered, st.FramesDelivered)),
		statsLabelStyle.Render("Failed:"), failedStr,
		statsLabelStyle.Render("Retries:"), warningStyle.Render(fmt.Sprintf("%d", st.Retries)),
		statsLabelStyle.Render("Lock Timeouts:"), warningStyle.Render(fmt.Sprintf("%d", st.CacheTimeouts)),
	))
	return b.String()
}
