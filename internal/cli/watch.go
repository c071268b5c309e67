package cli

import (
	"context"
	"fmt"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/voicedesk/voicedesk/internal/db"
	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/runtime"
)

const pollInterval = time.Second

// Theme holds the color scheme for the watch display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Watch a session's postprocessing progress",
	Long: `Watch a session move through postprocessing in real time.

The progress bar tracks message finalization; session-level processors are
listed below it as they complete. Exits when the session is finalized.

Example:
  voicedesk watch abc123`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sessionID := args[0]

	session, err := dbClient.GetSession(ctx, scope, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		exitWithError("session not found: %s", sessionID)
	}

	return runWatchProgress(dbClient, scope, sessionID)
}

// tickMsg triggers polling the session state
type tickMsg time.Time

// sessionUpdateMsg carries the refreshed session state
type sessionUpdateMsg struct {
	session  *models.Session
	messages []models.Message
	err      error
}

// watchModel is the bubbletea model for session progress.
type watchModel struct {
	client    *db.Client
	scope     runtime.Scope
	sessionID string
	session   *models.Session
	messages  []models.Message
	progress  progress.Model
	theme     Theme
	done      bool
	quitting  bool
	err       error
}

// newWatchModel creates a new watch model.
func newWatchModel(client *db.Client, scope runtime.Scope, sessionID string) watchModel {
	// Create progress bar with color blend
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return watchModel{
		client:    client,
		scope:     scope,
		sessionID: sessionID,
		progress:  prog,
		theme:     defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		// Fetch session state
		return m, m.fetchSession()

	case sessionUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch session: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}
		if msg.session == nil {
			m.err = fmt.Errorf("session disappeared: %s", m.sessionID)
			m.done = true
			return m, tea.Quit
		}

		m.session = msg.session
		m.messages = msg.messages

		if m.session.IsFinalized {
			m.done = true
			return m, tea.Quit
		}

		// Continue polling
		return m, tickCmd()

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m watchModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.session == nil {
		return "Loading session...\n"
	}

	finalized := m.finalizedCount()
	total := len(m.messages)

	var pct float64
	if total > 0 {
		pct = float64(finalized) / float64(total)
	}

	// Status line with color
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", sessionLifecycle(m.session)))

	// Progress bar with counts
	progressBar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d messages", finalized, total)

	out := fmt.Sprintf("%s %s %s\n", status, progressBar, counts)
	out += m.processorLines()

	// Hint about background operation
	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop watching")
	return out + hint + "\n"
}

// processorLines renders one line per session-level processor.
func (m watchModel) processorLines() string {
	var out string
	for _, name := range m.session.SessionProcessors {
		state := m.session.Processor(name)
		line := fmt.Sprintf("  %-22s %s", name, state.Phase())
		switch state.Phase() {
		case models.PhaseProcessed, models.PhaseFinished:
			line = m.theme.completedStyle().Render(line)
		}
		out += line + "\n"
	}
	return out
}

func (m watchModel) finalizedCount() int {
	n := 0
	for _, msg := range m.messages {
		if msg.IsFinalized {
			n++
		}
	}
	return n
}

// finalView renders the completion message.
func (m watchModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nSession %s continues in background.\nUse 'voicedesk sessions %s' to check state.\n",
			m.sessionID, m.sessionID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Watch failed: %s\n", m.err))
	}

	var out string
	out += m.theme.completedStyle().Render("✓ Finalized") + "\n\n"
	out += fmt.Sprintf("  Messages finalized: %d\n", m.finalizedCount())
	if m.session != nil {
		for _, name := range m.session.SessionProcessors {
			state := m.session.Processor(name)
			out += fmt.Sprintf("  %-22s %s\n", name, state.Phase())
		}
	}
	return out
}

// fetchSession fetches the current session state.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m watchModel) fetchSession() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		session, err := m.client.GetSession(ctx, m.scope, m.sessionID)
		if err != nil {
			return sessionUpdateMsg{err: err}
		}
		messages, err := m.client.ListSessionMessages(ctx, m.scope, m.sessionID)
		return sessionUpdateMsg{session: session, messages: messages, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runWatchProgress runs the interactive watch UI for a session.
// Returns nil on finalization or Ctrl+C, error on fetch failure.
func runWatchProgress(client *db.Client, scope runtime.Scope, sessionID string) error {
	model := newWatchModel(client, scope, sessionID)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("watch UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok {
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
