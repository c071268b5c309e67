package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/voicedesk/voicedesk/internal/queue"
)

var (
	jobsQueue       string
	jobsStatus      string
	jobsDeadLimit   int
	jobsPurgeBefore time.Duration
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show queue health",
	Long: `Show job counts per queue and status.

Subcommands:
  dead    List dead-lettered jobs
  purge   Remove finished jobs older than a cutoff

Examples:
  voicedesk jobs
  voicedesk jobs --queue voicedesk--voice --status pending
  voicedesk jobs dead
  voicedesk jobs purge --before 48h`,
	RunE: runJobs,
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE:  runJobsDead,
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove finished jobs older than a cutoff",
	RunE:  runJobsPurge,
}

func init() {
	jobsCmd.Flags().StringVarP(&jobsQueue, "queue", "q", "", "filter by queue name")
	jobsCmd.Flags().StringVarP(&jobsStatus, "status", "s", "", "filter by job status")
	jobsDeadCmd.Flags().IntVarP(&jobsDeadLimit, "limit", "n", 20, "max results")
	jobsPurgeCmd.Flags().DurationVar(&jobsPurgeBefore, "before", 24*time.Hour, "purge jobs finished longer ago than this")

	jobsCmd.AddCommand(jobsDeadCmd)
	jobsCmd.AddCommand(jobsPurgeCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	stats, err := queue.NewSurreal(dbClient, nil).Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	shown := 0
	for _, s := range stats {
		if jobsQueue != "" && s.Queue != jobsQueue {
			continue
		}
		if jobsStatus != "" && string(s.Status) != jobsStatus {
			continue
		}
		if shown == 0 {
			fmt.Printf("%-36s %-12s %s\n", "QUEUE", "STATUS", "COUNT")
			fmt.Println("------------------------------------------------------------")
		}
		fmt.Printf("%-36s %-12s %d\n", s.Queue, s.Status, s.Count)
		shown++
	}

	if shown == 0 {
		fmt.Println("No jobs found")
	}
	return nil
}

func runJobsDead(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	jobs, err := queue.NewSurreal(dbClient, nil).ListDead(ctx, jobsDeadLimit)
	if err != nil {
		return fmt.Errorf("list dead jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No dead jobs found")
		return nil
	}

	fmt.Printf("%-24s %-36s %-22s %s\n", "ID", "QUEUE", "JOB", "ATTEMPTS")
	fmt.Println("--------------------------------------------------------------------------------------")

	for _, j := range jobs {
		fmt.Printf("%-24s %-36s %-22s %d/%d\n", j.ID, j.Queue, j.Name, j.Attempt, j.MaxAttempts)
		if verbose {
			fmt.Printf("  Payload: %s\n", string(j.Payload))
		}
	}

	return nil
}

func runJobsPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cutoff := time.Now().Add(-jobsPurgeBefore)
	deleted, err := queue.NewSurreal(dbClient, nil).PurgeFinished(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge jobs: %w", err)
	}

	fmt.Printf("Purged %d finished jobs older than %s\n", deleted, jobsPurgeBefore)
	return nil
}
