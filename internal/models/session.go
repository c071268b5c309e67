package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Session is a voice session document. It is created by the ingestion layer;
// the pipeline only mutates processors_data and never deletes sessions.
type Session struct {
	ID         surrealmodels.RecordID `json:"id"`
	ChatID     int64                  `json:"chat_id"`
	RuntimeTag string                 `json:"runtime_tag"`
	ProjectID  *string                `json:"project_id,omitempty"`
	IsDeleted  bool                   `json:"is_deleted,omitempty"`

	// IsActive is true while the session is still collecting messages. The
	// done handler flips it off.
	IsActive bool `json:"is_active,omitempty"`

	// IsMessagesProcessed is set by the processing sweep once every enabled
	// per-message processor has finished for every message.
	IsMessagesProcessed bool `json:"is_messages_processed,omitempty"`

	// Postprocessing lifecycle. ToFinalize is set when the operator closes the
	// session; the sweep promotes it to IsFinalized once messages are
	// processed, which arms the session-level fan-out.
	IsPostprocessing bool       `json:"is_postprocessing,omitempty"`
	ToFinalize       bool       `json:"to_finalize,omitempty"`
	IsFinalized      bool       `json:"is_finalized,omitempty"`
	DoneAt           *time.Time `json:"done_at,omitempty"`
	DoneCount        int        `json:"done_count,omitempty"`

	PostprocessingJobQueuedTimestamp int64 `json:"postprocessing_job_queued_timestamp,omitempty"`

	// Processors is the ordered list of per-message stages enabled for this
	// session (categorization, summarization, questioning, finalization).
	Processors []string `json:"processors,omitempty"`

	// SessionProcessors is the allow-list of session-level processor names;
	// the fan-out orchestrator intersects it with the configured custom
	// prompts, and the finalize sweep waits for all of them.
	SessionProcessors []string `json:"session_processors,omitempty"`

	ProcessorsData map[string]ProcessorState `json:"processors_data,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Processor returns the state for a named processor, zero value if absent.
func (s *Session) Processor(name string) ProcessorState {
	if s == nil || s.ProcessorsData == nil {
		return ProcessorState{}
	}
	return s.ProcessorsData[name]
}

// Project is the minimal view of a CRM project the pipeline reads when
// resolving create_tasks ticket links. The full project schema is external.
type Project struct {
	ID   surrealmodels.RecordID `json:"id"`
	Name string                 `json:"name"`
}
