// Package tui implements the `system monitor` terminal UI.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/hybridshell/internal/events"
)

const (
	maxCalls     = 200
	maxEventLog  = 50
	reconnectIn  = 2 * time.Second
	healthPeriod = 5 * time.Second
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// CallRow is one bridge call as seen by the monitor.
type CallRow struct {
	CallbackID string
	Service    string
	Action     string
	Status     string
	Deliveries int
	Open       bool
	At         time.Time
}

type counters struct {
	flushes    int
	statements int
	deferred   int
	rejected   int
	plugins    int
	lifecycle  string
}

// Model is the bubbletea model for the monitor.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	calls    map[string]*CallRow
	order    []string
	eventLog []events.Event
	stats    counters
	health   healthMsg
	online   bool

	hubEvents chan events.Event
	callTable table.Model
}

func NewMonitor(apiURL, apiKey string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Service", Width: 16},
			{Title: "Action", Width: 18},
			{Title: "Status", Width: 26},
			{Title: "#", Width: 3},
			{Title: "Callback", Width: 14},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		calls:     make(map[string]*CallRow),
		hubEvents: make(chan events.Event, 256),
		callTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.callTable.SetWidth(m.width - 6)

	case eventMsg:
		m.online = true
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = msg
		return m, tea.Tick(healthPeriod, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case disconnectedMsg:
		m.online = false
		return m, tea.Tick(reconnectIn, func(time.Time) tea.Msg {
			return subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)()
		})

	case errMsg:
		return m, tea.Tick(healthPeriod, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
	}

	m.callTable, cmd = m.callTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	data := gjson.ParseBytes(e.Data)
	switch e.Type {
	case events.TypeBridgeCall:
		id := data.Get("callback_id").String()
		row := m.row(id)
		row.Service = data.Get("service").String()
		row.Action = data.Get("action").String()
		row.Status = "dispatched"
		row.Open = true
		row.At = e.At

	case events.TypeResultQueued:
		row := m.row(data.Get("callback_id").String())
		row.Status = data.Get("status").String()
		if kind := data.Get("kind").String(); kind != "" {
			row.Status = kind
		}
		row.Deliveries++
		row.Open = data.Get("keep_callback").Bool()

	case events.TypeBridgeRejected:
		m.stats.rejected++

	case events.TypeQueueFlushed:
		m.stats.flushes++
		m.stats.statements += int(data.Get("statements").Int())

	case events.TypeQueueDeferred:
		m.stats.deferred++

	case events.TypePluginLoaded:
		m.stats.plugins++

	case events.TypeLifecycle:
		m.stats.lifecycle = data.Get("event").String()
	}
}

func (m *Model) row(id string) *CallRow {
	if r, ok := m.calls[id]; ok {
		return r
	}
	r := &CallRow{CallbackID: id}
	m.calls[id] = r
	m.order = append([]string{id}, m.order...)
	if len(m.order) > maxCalls {
		for _, old := range m.order[maxCalls:] {
			delete(m.calls, old)
		}
		m.order = m.order[:maxCalls]
	}
	return r
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		r := m.calls[id]
		rows = append(rows, table.Row{
			statusSymbol(r),
			r.Service,
			r.Action,
			r.Status,
			fmt.Sprintf("%d", r.Deliveries),
			shortID(r.CallbackID),
		})
	}
	m.callTable.SetRows(rows)
}

func statusSymbol(r *CallRow) string {
	switch {
	case r.Deliveries == 0:
		return statusPending.Render("○")
	case r.Open:
		return statusPending.Render("◉")
	case r.Status == "OK" || r.Status == "NO_RESULT":
		return statusOK.Render("●")
	default:
		return statusFailed.Render("∅")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	calls := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Bridge Calls"),
			m.callTable.View(),
		),
	)
	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := dimStyle.Render(" [q] Quit • [↑/↓] Scroll Calls")

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		calls,
		eventsView,
		help,
	))
}

func (m Model) renderHeader() string {
	conn := statusFailed.Render("offline")
	if m.online {
		conn = statusOK.Render("live")
	}
	lifecycle := m.stats.lifecycle
	if lifecycle == "" {
		lifecycle = "-"
	}
	return titleStyle.Render(fmt.Sprintf(
		"hybridshell • %s • up %ds • queue %d • plugins %d • flushes %d (%d stmts) • deferred %d • rejected %d • last %s",
		conn,
		m.health.UptimeSeconds,
		m.health.QueueDepth,
		m.health.PluginsLoaded,
		m.stats.flushes,
		m.stats.statements,
		m.stats.deferred,
		m.stats.rejected,
		lifecycle,
	))
}

func (m Model) renderEvents() string {
	limit := 8
	if m.height > 0 {
		limit = max(3, m.height/4)
	}
	var lines []string
	for i, e := range m.eventLog {
		if i >= limit {
			break
		}
		lines = append(lines, fmt.Sprintf("%s %-16s %s",
			dimStyle.Render(e.At.Format("15:04:05")),
			e.Type,
			string(e.Data),
		))
	}
	if len(lines) == 0 {
		return dimStyle.Render("waiting for events...")
	}
	return strings.Join(lines, "\n")
}
