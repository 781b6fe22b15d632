// Package tui renders live progress of a run from the in-process event hub.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/zm-archiver/internal/events"
)

const (
	maxJobRows  = 50
	maxEventLog = 50
)

// PhaseState tracks one phase as seen through events.
type PhaseState struct {
	Name      string
	Total     int
	Bytes     int64
	Done      int
	Failed    int
	DoneBytes int64
	Finished  bool
	Aborted   string
}

// Fraction is the share of jobs finished, 0..1.
func (p *PhaseState) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Done+p.Failed) / float64(p.Total)
}

type jobRow struct {
	ok     bool
	phase  string
	unit   string
	bytes  int64
	millis int64
	err    string
}

// Model is the bubbletea model for `run --watch`.
type Model struct {
	sub <-chan events.Event

	width  int
	height int

	runID    string
	status   string
	runError string
	started  time.Time
	finished bool

	phases   map[string]*PhaseState
	order    []string
	jobs     []jobRow
	eventLog []events.Event

	theme    Theme
	bar      progress.Model
	spinner  spinner.Model
	jobTable table.Model
}

type eventMsg events.Event
type closedMsg struct{}

// NewMonitor returns a model reading from sub until it is closed.
func NewMonitor(sub <-chan events.Event) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Phase", Width: 8},
			{Title: "Unit", Width: 28},
			{Title: "Size", Width: 10},
			{Title: "Took", Width: 10},
		}),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	t.SetStyles(s)

	return Model{
		sub:      sub,
		status:   "starting",
		phases:   make(map[string]*PhaseState),
		theme:    NewDefaultTheme(),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		jobTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(receiveNextEvent(m.sub), m.spinner.Tick)
}

func receiveNextEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(max(msg.Width-6, 20))
		m.bar.Width = max(msg.Width/2, 20)

	case eventMsg:
		m.Apply(events.Event(msg))
		if m.finished {
			return m, tea.Quit
		}
		return m, receiveNextEvent(m.sub)

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Apply folds one hub event into the model state.
func (m *Model) Apply(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	switch e.Type {
	case events.RunStarted, events.RunFinished:
		var p events.RunPayload
		if e.Decode(&p) != nil {
			return
		}
		m.runID = p.RunID
		if e.Type == events.RunStarted {
			m.status = "running"
			m.started = e.At
			return
		}
		m.status = p.Status
		m.runError = p.Error
		m.finished = true

	case events.PhaseStarted, events.PhaseFinished, events.PhaseAborted:
		var p events.PhasePayload
		if e.Decode(&p) != nil {
			return
		}
		ph := m.phase(p.Phase)
		ph.Total = p.Total
		ph.Bytes = p.Bytes
		switch e.Type {
		case events.PhaseFinished:
			ph.Finished = true
			ph.Done = p.Succeeded
			ph.Failed = p.Failed
		case events.PhaseAborted:
			ph.Finished = true
			ph.Aborted = p.Reason
		}

	case events.JobFinished:
		var p events.JobPayload
		if e.Decode(&p) != nil {
			return
		}
		ph := m.phase(p.Phase)
		ph.Total = p.Total
		if p.OK {
			ph.Done++
			ph.DoneBytes += p.Bytes
		} else {
			ph.Failed++
		}
		m.jobs = append([]jobRow{{
			ok: p.OK, phase: p.Phase, unit: p.Unit, bytes: p.Bytes, millis: p.Millis, err: p.Error,
		}}, m.jobs...)
		if len(m.jobs) > maxJobRows {
			m.jobs = m.jobs[:maxJobRows]
		}
		m.updateTable()
	}
}

func (m *Model) phase(name string) *PhaseState {
	ph, ok := m.phases[name]
	if !ok {
		ph = &PhaseState{Name: name}
		m.phases[name] = ph
		m.order = append(m.order, name)
	}
	return ph
}

// Phase returns the tracked state of a phase, if any event named it.
func (m Model) Phase(name string) (PhaseState, bool) {
	ph, ok := m.phases[name]
	if !ok {
		return PhaseState{}, false
	}
	return *ph, true
}

// Status is the run status as last reported.
func (m Model) Status() string { return m.status }

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.jobs))
	for _, j := range m.jobs {
		sym := m.theme.StatusOK.Render("●")
		if !j.ok {
			sym = m.theme.StatusFailed.Render("∅")
		}
		rows = append(rows, table.Row{
			sym,
			j.phase,
			j.unit,
			humanize.Bytes(uint64(j.bytes)),
			(time.Duration(j.millis) * time.Millisecond).String(),
		})
	}
	m.jobTable.SetRows(rows)
}

func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = 80
	}
	inner := width - 4

	sections := []string{m.renderHeader(inner)}
	if len(m.order) > 0 {
		sections = append(sections, m.theme.Border.Width(inner).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("Phases"),
				m.renderPhases(),
			),
		))
	}
	sections = append(sections,
		m.theme.Border.Width(inner).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("Jobs"),
				m.jobTable.View(),
			),
		),
		m.theme.Border.Width(inner).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("Event Stream"),
				m.renderEvents(),
			),
		),
		m.theme.Dim.Render(" [q] Quit"),
	)
	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func (m Model) renderHeader(inner int) string {
	var status string
	switch m.status {
	case "Success":
		status = m.theme.StatusOK.Render("SUCCESS")
	case "Failure":
		status = m.theme.StatusFailed.Render("FAILURE")
	case "running":
		status = m.theme.StatusRunning.Render(m.spinner.View() + " RUNNING")
	default:
		status = m.theme.StatusQueued.Render(strings.ToUpper(m.status))
	}

	run := "-"
	if len(m.runID) >= 8 {
		run = m.runID[:8]
	}
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Run: %s", run),
	}
	if m.runError != "" {
		items = append(items, m.theme.StatusFailed.Render(m.runError))
	}
	col := lipgloss.NewStyle().Width(inner / len(items))
	cells := make([]string, len(items))
	for i, it := range items {
		cells[i] = col.Render(it)
	}
	return m.theme.Border.Width(inner).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderPhases() string {
	var lines []string
	for _, name := range m.order {
		ph := m.phases[name]
		label := fmt.Sprintf("%-8s %d/%d  %s of %s", name, ph.Done+ph.Failed, ph.Total,
			humanize.Bytes(uint64(ph.DoneBytes)), humanize.Bytes(uint64(ph.Bytes)))
		switch {
		case ph.Aborted != "":
			lines = append(lines, label+"  "+m.theme.StatusFailed.Render("aborted: "+ph.Aborted))
			continue
		case ph.Failed > 0:
			label += "  " + m.theme.StatusFailed.Render(fmt.Sprintf("%d failed", ph.Failed))
		}
		lines = append(lines, m.bar.ViewAs(ph.Fraction())+"  "+label)
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-14s | %s", e.At.Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
