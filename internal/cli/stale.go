package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/voicedesk/voicedesk/internal/models"
)

var (
	staleMinutes int
	staleJSON    bool
	staleLimit   int
)

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Report processor claims held longer than a threshold",
	Long: `Report processor claims held longer than a threshold.

A claim marks a processor as in flight for one session or message. Claims
are released on completion or failure; one held past the threshold usually
means a worker crashed mid-job. The worker sweep resets stale message
claims on its own, so this report is for diagnosing, not repairing.

Examples:
  voicedesk stale
  voicedesk stale abc123
  voicedesk stale --minutes 30 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStale,
}

// staleClaim is one held claim in the report.
type staleClaim struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	Processor string `json:"processor"`
	HeldFor   string `json:"held_for"`
}

func init() {
	staleCmd.Flags().IntVarP(&staleMinutes, "minutes", "m", 15, "claim age threshold in minutes")
	staleCmd.Flags().BoolVar(&staleJSON, "json", false, "emit JSON")
	staleCmd.Flags().IntVarP(&staleLimit, "limit", "n", 200, "max sessions to scan")
	rootCmd.AddCommand(staleCmd)
}

func runStale(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	now := time.Now()
	grace := time.Duration(staleMinutes) * time.Minute

	var sessions []models.Session
	if len(args) == 1 {
		session, err := dbClient.GetSession(ctx, scope, args[0])
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if session == nil {
			return fmt.Errorf("session not found: %s", args[0])
		}
		sessions = []models.Session{*session}
	} else {
		var err error
		sessions, err = dbClient.ListSessions(ctx, scope, staleLimit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
	}

	var claims []staleClaim
	for _, s := range sessions {
		sessionID := models.MustRecordIDString(s.ID)

		for name, state := range s.ProcessorsData {
			if state.StaleClaim(now, grace) {
				claims = append(claims, staleClaim{
					SessionID: sessionID,
					Processor: name,
					HeldFor:   state.ClaimAge(now).Round(time.Second).String(),
				})
			}
		}

		messages, err := dbClient.ListSessionMessages(ctx, scope, sessionID)
		if err != nil {
			return fmt.Errorf("list messages for %s: %w", sessionID, err)
		}
		for _, m := range messages {
			for name, state := range m.ProcessorsData {
				if state.StaleClaim(now, grace) {
					claims = append(claims, staleClaim{
						SessionID: sessionID,
						MessageID: models.MustRecordIDString(m.ID),
						Processor: name,
						HeldFor:   state.ClaimAge(now).Round(time.Second).String(),
					})
				}
			}
		}
	}

	if staleJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(claims)
	}

	if len(claims) == 0 {
		fmt.Printf("No claims held longer than %dm\n", staleMinutes)
		return nil
	}

	fmt.Printf("%-24s %-24s %-22s %s\n", "SESSION", "MESSAGE", "PROCESSOR", "HELD")
	fmt.Println("--------------------------------------------------------------------------------------")
	for _, c := range claims {
		fmt.Printf("%-24s %-24s %-22s %s\n", c.SessionID, c.MessageID, c.Processor, c.HeldFor)
	}

	return nil
}
