package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/voicedesk/voicedesk/internal/models"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session-id]",
	Short: "List sessions or inspect processor state",
	Long: `List recent sessions or inspect one session's processor state.

Examples:
  voicedesk sessions            # List recent sessions
  voicedesk sessions abc123     # Show processor state for session abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 50, "max results")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		return showSession(ctx, args[0])
	}
	return listSessions(ctx)
}

func listSessions(ctx context.Context) error {
	sessions, err := dbClient.ListSessions(ctx, scope, sessionsLimit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	fmt.Printf("%-24s %-10s %-12s %-10s %s\n", "ID", "CHAT", "LIFECYCLE", "DONE", "CREATED")
	fmt.Println("------------------------------------------------------------------------")

	for _, s := range sessions {
		id := models.MustRecordIDString(s.ID)
		done := ""
		if s.DoneAt != nil {
			done = s.DoneAt.Format("15:04:05")
		}
		created := ""
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-24s %-10d %-12s %-10s %s\n", id, s.ChatID, sessionLifecycle(&s), done, created)
	}

	return nil
}

// sessionLifecycle names the furthest lifecycle stage the session reached.
func sessionLifecycle(s *models.Session) string {
	switch {
	case s.IsFinalized:
		return "finalized"
	case s.ToFinalize:
		return "finalizing"
	case s.IsPostprocessing:
		return "postproc"
	case s.IsActive:
		return "active"
	default:
		return "idle"
	}
}

func showSession(ctx context.Context, id string) error {
	session, err := dbClient.GetSession(ctx, scope, id)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session not found: %s", id)
	}

	fmt.Printf("Session: %s\n", id)
	fmt.Printf("  Chat: %d\n", session.ChatID)
	fmt.Printf("  Lifecycle: %s\n", sessionLifecycle(session))
	fmt.Printf("  Messages processed: %v\n", session.IsMessagesProcessed)
	if session.ProjectID != nil {
		fmt.Printf("  Project: %s\n", *session.ProjectID)
	}
	if session.DoneAt != nil {
		fmt.Printf("  Done: %s (count %d)\n", session.DoneAt.Format(time.RFC3339), session.DoneCount)
	}

	if len(session.ProcessorsData) > 0 {
		fmt.Println("\nSession processors:")
		for name, state := range session.ProcessorsData {
			printProcessor(name, state)
		}
	}

	messages, err := dbClient.ListSessionMessages(ctx, scope, id)
	if err != nil {
		return fmt.Errorf("list session messages: %w", err)
	}

	fmt.Printf("\nMessages (%d):\n", len(messages))
	for _, m := range messages {
		mid := models.MustRecordIDString(m.ID)
		finalized := ""
		if m.IsFinalized {
			finalized = " [finalized]"
		}
		fmt.Printf("- %s (#%s, %s)%s\n", mid, m.MessageID, m.SourceType, finalized)
		if verbose {
			if m.CategorizationAttempts > 0 {
				fmt.Printf("  Categorize attempts: %d\n", m.CategorizationAttempts)
			}
			if m.CategorizationError != "" {
				fmt.Printf("  Categorize error: %s\n", m.CategorizationError)
			}
			for name, state := range m.ProcessorsData {
				printProcessor(name, state)
			}
		}
	}

	return nil
}

func printProcessor(name string, state models.ProcessorState) {
	line := fmt.Sprintf("  %-22s %s", name, state.Phase())
	if state.SkippedReason != "" {
		line += fmt.Sprintf(" (skipped: %s)", state.SkippedReason)
	}
	if state.Error != "" {
		line += fmt.Sprintf(" (error: %s)", state.Error)
	}
	fmt.Println(line)
}
