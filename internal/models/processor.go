// Package models defines data structures for the Voicedesk postprocessing pipeline.
package models

import "time"

// Processor names for per-message stages.
const (
	ProcessorTranscription  = "transcription"
	ProcessorCategorization = "categorization"
	ProcessorSummarization  = "summarization"
	ProcessorQuestioning    = "questioning"
	ProcessorFinalization   = "finalization"
)

// Processor names for session-level postprocessing stages.
const (
	ProcessorCreateTasks       = "create_tasks"
	ProcessorFinalCustomPrompt = "FINAL_CUSTOM_PROMPT"
)

// ProcessorState is the per-processor state record embedded in sessions and
// messages under processors_data.<name>. The boolean flags are the durable
// representation; Phase derives the logical state from them.
type ProcessorState struct {
	IsProcessing         bool   `json:"is_processing"`
	IsProcessed          bool   `json:"is_processed"`
	IsFinished           bool   `json:"is_finished"`
	JobQueuedTimestamp   int64  `json:"job_queued_timestamp,omitempty"`
	JobFinishedTimestamp int64  `json:"job_finished_timestamp,omitempty"`
	SkippedReason        string `json:"skipped_reason,omitempty"`
	Error                string `json:"error,omitempty"`
	Data                 any    `json:"data,omitempty"`
}

// Phase is the logical state of a processor for one entity.
type Phase int

const (
	// PhaseIdle means no job has claimed the processor yet, or a previous
	// claim was rolled back.
	PhaseIdle Phase = iota
	// PhaseClaimed means a job holds the advisory processing lock.
	PhaseClaimed
	// PhaseProcessed means a terminal result has been recorded.
	PhaseProcessed
	// PhaseFinished means the processor reached a hard-terminal state and
	// will never run again for this entity.
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseClaimed:
		return "claimed"
	case PhaseProcessed:
		return "processed"
	case PhaseFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Phase derives the logical state from the stored flags. Finished wins over
// processed, processed over claimed: the flags are written in that order by
// the handlers, so a drifted record still maps to its most terminal state.
func (s ProcessorState) Phase() Phase {
	switch {
	case s.IsFinished:
		return PhaseFinished
	case s.IsProcessed:
		return PhaseProcessed
	case s.IsProcessing:
		return PhaseClaimed
	default:
		return PhaseIdle
	}
}

// ClaimedAt returns the time the current claim was taken, or zero time.
func (s ProcessorState) ClaimedAt() time.Time {
	if s.JobQueuedTimestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.JobQueuedTimestamp)
}

// ClaimAge reports how long the current claim has been held.
func (s ProcessorState) ClaimAge(now time.Time) time.Duration {
	at := s.ClaimedAt()
	if at.IsZero() {
		return 0
	}
	return now.Sub(at)
}

// StaleClaim reports whether the processor is claimed and the claim is older
// than grace. A claim with no queued timestamp is treated as stale: it can
// only come from a crashed writer.
func (s ProcessorState) StaleClaim(now time.Time, grace time.Duration) bool {
	if !s.IsProcessing {
		return false
	}
	if s.JobQueuedTimestamp == 0 {
		return true
	}
	return s.ClaimAge(now) > grace
}
