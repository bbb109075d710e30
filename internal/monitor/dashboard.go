package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	httpapi "github.com/fyrsmithlabs/statekeeper/internal/http"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentChanges   = 8
	maxAggregates   = 12
	fetchTimeout    = 5 * time.Second
)

// Source is the part of the API client the dashboard polls.
type Source interface {
	BaseURL() string
	Health(ctx context.Context) (*httpapi.HealthResponse, error)
	Aggregates(ctx context.Context, issueType string) ([]*learning.PatternAggregate, error)
	Changes(ctx context.Context, prefix string, since int64, limit int) ([]changelog.Entry, error)
}

// Model represents the BubbleTea dashboard model
type Model struct {
	source     Source
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	// Change log growth per refresh, for the sparkline.
	changeHistory []float64
	lastSeq       uint64

	rateProgress progress.Model
}

// Snapshot holds one poll of the daemon.
type Snapshot struct {
	Health     httpapi.HealthResponse
	Aggregates []*learning.PatternAggregate
	Recent     []changelog.Entry
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a new dashboard model
func NewModel(source Source, interval time.Duration) Model {
	return Model{
		source:        source,
		interval:      interval,
		changeHistory: make([]float64, 0, historySize),
		rateProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(20),
			progress.WithoutPercentage(),
		),
	}
}

// getSaveBadge reports whether unsaved changes are pending.
func getSaveBadge(dirty bool) string {
	if dirty {
		return warningStyle.Render("● UNSAVED")
	}
	return healthyStyle.Render("✓ SAVED")
}

// getRateBadge marks an aggregate by its success rate.
func getRateBadge(rate float64) string {
	switch {
	case rate >= 0.7:
		return healthyStyle.Render("[✓]")
	case rate >= 0.3:
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.source),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot polls health, aggregates and recent changes.
func fetchSnapshot(source Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		health, err := source.Health(ctx)
		if err != nil {
			return errMsg(err)
		}
		aggs, err := source.Aggregates(ctx, "")
		if err != nil {
			return errMsg(err)
		}
		recent, err := source.Changes(ctx, "", 0, recentChanges)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg{Health: *health, Aggregates: aggs, Recent: recent}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.source)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.source),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		sort.SliceStable(snap.Aggregates, func(i, j int) bool {
			a, b := snap.Aggregates[i], snap.Aggregates[j]
			if a.IssueType != b.IssueType {
				return a.IssueType < b.IssueType
			}
			return a.SuccessRate > b.SuccessRate
		})

		var seq uint64
		if n := len(snap.Recent); n > 0 {
			seq = snap.Recent[n-1].Seq
		}
		growth := 0.0
		if m.lastSeq > 0 && seq > m.lastSeq {
			growth = float64(seq - m.lastSeq)
		}
		if seq > 0 {
			m.lastSeq = seq
		}
		m.changeHistory = appendToHistory(m.changeHistory, growth)

		m.snapshot = snap
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("statekeeper Dashboard")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach statekeeperd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.source.BaseURL()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start the daemon with: statekeeperd") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

// renderDashboard renders the main dashboard view
func (m Model) renderDashboard() string {
	var b strings.Builder
	h := m.snapshot.Health

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	lastChange := "none"
	if h.LastChange > 0 {
		lastChange = FormatTimestamp(h.LastChange)
	}

	b.WriteString(headerStyle.Render(" statekeeper Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s %s   %s\n",
		getSaveBadge(h.Dirty),
		dimStyle.Render("Last change:"),
		valueStyle.Render(lastChange),
		dimStyle.Render(lastUpdateStr)))

	// Change log
	b.WriteString("\n" + sectionStyle.Render("┃ Change Log") + "\n")
	b.WriteString(labelStyle.Render("  Entries: ") +
		valueStyle.Render(fmt.Sprintf("%d", h.ChangeLog)) +
		"   " + createSparkline(m.changeHistory) + "\n")
	for _, e := range m.snapshot.Recent {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  #%-6d %s ", e.Seq, FormatTimestamp(e.Timestamp))) +
			labelStyle.Render(string(e.Op)) + " " + valueStyle.Render(e.Path) + "\n")
	}

	// Aggregates
	b.WriteString("\n" + sectionStyle.Render("┃ Fix Patterns") + "\n")
	if len(m.snapshot.Aggregates) == 0 {
		b.WriteString(dimStyle.Render("  no attempts recorded") + "\n")
	}
	for i, a := range m.snapshot.Aggregates {
		if i == maxAggregates {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(m.snapshot.Aggregates)-maxAggregates)) + "\n")
			break
		}
		b.WriteString(fmt.Sprintf("  %s %s %s %s %s\n",
			getRateBadge(a.SuccessRate),
			labelStyle.Render(a.IssueType+"/"+a.FixMethod),
			m.rateProgress.ViewAs(a.SuccessRate),
			valueStyle.Render(FormatPercentage(a.SuccessRate)),
			dimStyle.Render(fmt.Sprintf("n=%d", a.Frequency))))
	}

	// Misdiagnoses
	var warnings []string
	for _, a := range m.snapshot.Aggregates {
		if a.MisdiagnosisMethod != "" && a.MisdiagnosisMethod == a.FixMethod {
			warnings = append(warnings, fmt.Sprintf("  %s %s: %s %s %s",
				errorStyle.Render("✗"),
				labelStyle.Render(a.IssueType),
				valueStyle.Render(a.FixMethod),
				dimStyle.Render("wasted "+FormatMillis(a.TimeWasted)+", try"),
				healthyStyle.Render(a.BestKnownSolution)))
		}
	}
	if len(warnings) > 0 {
		b.WriteString("\n" + sectionStyle.Render("┃ Misdiagnoses") + "\n")
		b.WriteString(strings.Join(warnings, "\n") + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
