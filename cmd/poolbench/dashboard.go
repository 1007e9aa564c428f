package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	pooling "github.com/wippyai/wasm-pooling"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")).
			Width(10)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	shedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD580"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type dashboardModel struct {
	bench *bench
	set   *pooling.PoolSet
	done  <-chan struct{}

	gauges   []progress.Model
	stats    pooling.Stats
	start    time.Time
	finished bool
}

type tickMsg time.Time

type doneMsg struct{}

func newDashboardModel(b *bench, set *pooling.PoolSet, done <-chan struct{}) *dashboardModel {
	gauges := make([]progress.Model, 4)
	for i := range gauges {
		gauges[i] = progress.New(progress.WithDefaultGradient(), progress.WithWidth(40))
	}
	return &dashboardModel{
		bench:  b,
		set:    set,
		done:   done,
		gauges: gauges,
		start:  time.Now(),
	}
}

func (m *dashboardModel) Init() tea.Cmd {
	return tea.Batch(tick(), m.waitDone)
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *dashboardModel) waitDone() tea.Msg {
	<-m.done
	return doneMsg{}
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if k := msg.String(); k == "ctrl+c" || k == "q" {
			return m, tea.Quit
		}

	case tickMsg:
		m.stats = m.set.Stats()
		if m.finished {
			return m, tea.Quit
		}
		return m, tick()

	case doneMsg:
		// One more tick so the final counters render before quitting.
		m.finished = true
	}
	return m, nil
}

func (m *dashboardModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("poolbench"))
	b.WriteString(fmt.Sprintf("  %s\n\n", time.Since(m.start).Round(time.Second)))

	rows := []struct {
		name string
		s    pooling.PoolStats
	}{
		{"memories", m.stats.Memories},
		{"tables", m.stats.Tables},
		{"stacks", m.stats.Stacks},
		{"gc heaps", m.stats.GCHeaps},
	}
	for i, row := range rows {
		ratio := 0.0
		if row.s.Capacity > 0 {
			ratio = float64(row.s.InUse) / float64(row.s.Capacity)
		}
		b.WriteString(labelStyle.Render(row.name))
		b.WriteString(m.gauges[i].ViewAs(ratio))
		b.WriteString(fmt.Sprintf("  %d/%d\n", row.s.InUse, row.s.Capacity))
	}

	elapsed := time.Since(m.start).Seconds()
	completed := m.bench.completed.Load()
	b.WriteString("\n")
	b.WriteString(countStyle.Render(fmt.Sprintf("completed %d", completed)))
	b.WriteString(fmt.Sprintf(" of %d (%.0f/s)   ", m.bench.iterations, float64(completed)/elapsed))
	b.WriteString(shedStyle.Render(fmt.Sprintf("shed %d", m.bench.shed.Load())))
	if failed := m.bench.failed.Load(); failed > 0 {
		b.WriteString("   ")
		b.WriteString(errorStyle.Render(fmt.Sprintf("failed %d", failed)))
		if msg := m.bench.lastErr.Load(); msg != nil {
			b.WriteString("\n")
			b.WriteString(errorStyle.Render(*msg))
		}
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("q quit"))
	b.WriteString("\n")

	return b.String()
}

func runDashboard(b *bench, set *pooling.PoolSet, done <-chan struct{}) error {
	p := tea.NewProgram(newDashboardModel(b, set, done), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
