package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Display order for ledger statuses and decision tiers. These mirror the
// strings the daemon writes; unknown keys simply render as zero.
var (
	ledgerOrder = []string{"received", "processing", "completed", "dead_lettered"}
	tierOrder   = []string{"critical", "high", "medium", "low"}
)

// Model represents the BubbleTea dashboard model
type Model struct {
	apiURL     string
	interval   time.Duration
	lastUpdate time.Time
	report     StatsReport
	err        error
	quitting   bool

	// Intake rate is derived from received-counter deltas between polls.
	prevReceived uint64
	prevSample   time.Time
	rateHistory  []float64

	// Progress bars
	loadProgress progress.Model
	doneProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	// Label style - dim cyan
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Value style - bright white
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	// Status styles with unicode symbols
	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// Container style - rounded border with dim gray
	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	// Footer style - bright keys on dim background
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	// Sparkline container
	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a new dashboard model polling the admin API at apiURL.
func NewModel(apiURL string, interval time.Duration) Model {
	loadProg := progress.New(
		progress.WithGradient("#00ffff", "#ff00ff"),
		progress.WithWidth(40),
	)

	doneProg := progress.New(
		progress.WithGradient("#00ff00", "#ffff00"),
		progress.WithWidth(40),
	)

	return Model{
		apiURL:       apiURL,
		interval:     interval,
		quitting:     false,
		loadProgress: loadProg,
		doneProgress: doneProg,
		rateHistory:  make([]float64, 0, historySize),
	}
}

// getStatusBadge summarizes pipeline health from the backlog counters.
func getStatusBadge(report StatsReport) string {
	switch {
	case report.Store.PendingDeadLetters > 0:
		return errorStyle.Render("✗ DEAD LETTERS")
	case report.Store.OpenOperatorItems > 0:
		return warningStyle.Render("⚠ NEEDS REVIEW")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

// getBacklogBadge returns a colored badge for a pending-work count.
func getBacklogBadge(pending int64) string {
	switch {
	case pending == 0:
		return healthyStyle.Render("[✓]")
	case pending < 10:
		return warningStyle.Render("[⚠]")
	default:
		return errorStyle.Render("[✗]")
	}
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

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type statsMsg StatsReport
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStats(m.apiURL),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStats fetches a stats snapshot from the admin API
func fetchStats(apiURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		report, err := NewStatsClient(apiURL).FetchStats(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statsMsg(report)
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
			return m, fetchStats(m.apiURL)
		}

	case tickMsg:
		// Auto-refresh triggered
		return m, tea.Batch(
			tick(m.interval),
			fetchStats(m.apiURL),
		)

	case statsMsg:
		report := StatsReport(msg)
		now := time.Now()

		// Derive the intake rate from the received-counter delta. A counter
		// that moved backwards means the daemon restarted; record zero
		// rather than a negative spike.
		if !m.prevSample.IsZero() {
			if mins := now.Sub(m.prevSample).Minutes(); mins > 0 {
				delta := float64(report.Pipeline.Received) - float64(m.prevReceived)
				if delta < 0 {
					delta = 0
				}
				m.rateHistory = appendToHistory(m.rateHistory, delta/mins)
			}
		}
		m.prevReceived = report.Pipeline.Received
		m.prevSample = now

		m.report = report
		m.lastUpdate = now
		m.err = nil
		return m, nil

	case errMsg:
		// Error occurred
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

	// Display error state if error exists
	if m.err != nil {
		return m.renderError()
	}

	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render(" dealsignal Monitor ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach the dealsignald admin API") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.apiURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Please ensure:") + "\n"
	content += dimStyle.Render("  1. dealsignald is running") + "\n"
	content += dimStyle.Render("  2. the admin API is listening on the address above") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	box := containerStyle.Render(header + "\n" + content)
	return box
}

// currentRate reports the most recently derived intake rate.
func (m Model) currentRate() float64 {
	if len(m.rateHistory) == 0 {
		return 0
	}
	return m.rateHistory[len(m.rateHistory)-1]
}

// renderDashboard renders the main dashboard view with sparklines and progress bars
func (m Model) renderDashboard() string {
	p := m.report.Pipeline
	st := m.report.Store

	var content string

	// Header with status badge
	lastUpdateStr := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("15:04:05")
	}

	header := headerStyle.Render(" dealsignal Monitor ")
	headerLine := fmt.Sprintf("%s   %s   %s   %s",
		getStatusBadge(m.report),
		dimStyle.Render("Updated:"),
		valueStyle.Render(lastUpdateStr),
		dimStyle.Render(m.apiURL))

	content += header + "\n"
	content += headerLine + "\n"

	// Intake section with rate sparkline and worker load
	content += "\n" + sectionStyle.Render("┃ Intake") + "\n"

	rateSparkline := createSparkline(m.rateHistory)
	content += labelStyle.Render("  Rate: ") +
		valueStyle.Render(FormatRate(m.currentRate())) +
		"   " + rateSparkline + "\n"

	content += labelStyle.Render("  Received: ") +
		valueStyle.Render(FormatCount(p.Received)) +
		"  " + labelStyle.Render("Duplicates: ") +
		valueStyle.Render(FormatCount(p.Duplicates)) +
		"  " + labelStyle.Render("Malformed: ") +
		valueStyle.Render(FormatCount(p.Malformed)) + "\n"

	loadRatio := 0.0
	if p.Workers > 0 {
		loadRatio = float64(p.InFlight) / float64(p.Workers)
		if loadRatio > 1.0 {
			loadRatio = 1.0
		}
	}
	content += labelStyle.Render("  Load: ") +
		m.loadProgress.ViewAs(loadRatio) +
		" " + dimStyle.Render(fmt.Sprintf("%d/%d busy", p.InFlight, p.Workers)) + "\n"

	// Ledger section with per-status depths and completion progress
	content += "\n" + sectionStyle.Render("┃ Ledger") + "\n"

	statusParts := make([]string, 0, len(ledgerOrder))
	for _, status := range ledgerOrder {
		statusParts = append(statusParts,
			dimStyle.Render(status+"=")+valueStyle.Render(fmt.Sprintf("%d", st.LedgerByStatus[status])))
	}
	content += labelStyle.Render("  Status: ") + strings.Join(statusParts, "  ") + "\n"

	doneRatio := 0.0
	if p.Received > 0 {
		doneRatio = float64(p.Completed) / float64(p.Received)
		if doneRatio > 1.0 {
			doneRatio = 1.0
		}
	}
	content += labelStyle.Render("  Completed: ") +
		m.doneProgress.ViewAs(doneRatio) +
		" " + dimStyle.Render(FormatPercentage(doneRatio)) + "\n"

	// Decisions section with score sparkline and tier breakdown
	content += "\n" + sectionStyle.Render("┃ Decisions") + "\n"

	scoreSparkline := createSparkline(p.RecentScores)
	latestScore := dimStyle.Render("none")
	if n := len(p.RecentScores); n > 0 {
		latestScore = valueStyle.Render(FormatScore(p.RecentScores[n-1]))
	}
	content += labelStyle.Render("  Score: ") + latestScore +
		"   " + scoreSparkline + "\n"

	tierParts := make([]string, 0, len(tierOrder))
	for _, tier := range tierOrder {
		tierParts = append(tierParts,
			dimStyle.Render(tier+"=")+valueStyle.Render(fmt.Sprintf("%d", st.DecisionsByTier[tier])))
	}
	content += labelStyle.Render("  Tiers: ") + strings.Join(tierParts, "  ") + "\n"

	// Registry section
	content += "\n" + sectionStyle.Render("┃ Registry") + "\n"

	content += labelStyle.Render("  Entities: ") +
		valueStyle.Render(fmt.Sprintf("%d", st.Entities)) +
		" " + dimStyle.Render(fmt.Sprintf("(%d provisional)", st.ProvisionalEntities)) + "\n"

	content += labelStyle.Render("  Watches: ") +
		valueStyle.Render(fmt.Sprintf("%d active", st.ActiveWatches)) +
		"  " + labelStyle.Render("Milestones fired: ") +
		valueStyle.Render(fmt.Sprintf("%d", st.MilestoneFires)) + "\n"

	// Review section for work waiting on an operator
	content += "\n" + sectionStyle.Render("┃ Review") + "\n"

	content += labelStyle.Render("  Dead letters: ") +
		valueStyle.Render(fmt.Sprintf("%d pending", st.PendingDeadLetters)) +
		" " + getBacklogBadge(st.PendingDeadLetters) + "\n"

	content += labelStyle.Render("  Operator queue: ") +
		valueStyle.Render(fmt.Sprintf("%d open", st.OpenOperatorItems)) +
		"  " + labelStyle.Render("Retries: ") +
		valueStyle.Render(FormatCount(p.Retries)) + "\n"

	// Footer with keyboard shortcuts
	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))

	content += "\n" + footer

	// Wrap in container
	return containerStyle.Render(content)
}
