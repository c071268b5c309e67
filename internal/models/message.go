package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Message source types.
const (
	SourceTelegram = "telegram"
	SourceWeb      = "web"
	SourceAPI      = "api"
)

// Message content types.
const (
	TypeVoice      = "voice"
	TypeText       = "text"
	TypeScreenshot = "screenshot"
	TypeDocument   = "document"
	TypeWebText    = "web_text"
)

// Attachment describes a file attached to a message. The pipeline consumes
// attachments read-only when building AI context text.
type Attachment struct {
	Kind    string `json:"kind,omitempty"`
	Caption string `json:"caption,omitempty"`
	Source  string `json:"source,omitempty"`
	FileID  string `json:"file_id,omitempty"`
	URL     string `json:"url,omitempty"`
	URI     string `json:"uri,omitempty"`
}

// Segment is one categorized chunk of a message transcript. The structured
// metadata beyond text/speaker is opaque to the pipeline: it is normalized
// on ingest and passed through to downstream processors as-is.
type Segment struct {
	Start              string `json:"start"`
	End                string `json:"end"`
	Speaker            string `json:"speaker"`
	Text               string `json:"text"`
	TopicKeywords      string `json:"topic_keywords"`
	KeywordsGrouped    string `json:"keywords_grouped"`
	RelatedGoal        string `json:"related_goal"`
	NewPatternDetected string `json:"new_pattern_detected"`
	CertaintyLevel     string `json:"certainty_level"`
	MentionedRoles     string `json:"mentioned_roles"`
	ReferencedSystems  string `json:"referenced_systems"`
}

// Message is a single voice/text message belonging to one session.
//
// Categorization state intentionally lives in two places: the legacy
// top-level retry bookkeeping fields and processors_data.categorization.
// Handlers never touch both directly; the store's categorization accessors
// keep them in sync.
type Message struct {
	ID         surrealmodels.RecordID `json:"id"`
	SessionID  string                 `json:"session_id"`
	RuntimeTag string                 `json:"runtime_tag"`
	ChatID     int64                  `json:"chat_id"`

	// MessageID is the source-assigned id: numeric for Telegram, an opaque
	// generated id for web/API uploads. Stored as string; the source-aware
	// comparator falls back to numeric ordering when both sides parse.
	MessageID        string `json:"message_id"`
	MessageTimestamp int64  `json:"message_timestamp"`
	SourceType       string `json:"source_type,omitempty"`
	MessageType      string `json:"message_type,omitempty"`

	Text              *string      `json:"text,omitempty"`
	TranscriptionText *string      `json:"transcription_text,omitempty"`
	Speaker           string       `json:"speaker,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`

	IsTranscribed      bool   `json:"is_transcribed,omitempty"`
	TranscriptionError string `json:"transcription_error,omitempty"`

	// IsFinalized is set once every enabled per-message processor has
	// finished for this message.
	IsFinalized bool `json:"is_finalized,omitempty"`

	Categorization          []Segment `json:"categorization,omitempty"`
	CategorizationTimestamp int64     `json:"categorization_timestamp,omitempty"`

	// Legacy retry bookkeeping, kept alongside
	// processors_data.categorization (see type comment).
	CategorizationAttempts       int        `json:"categorization_attempts,omitempty"`
	CategorizationError          string     `json:"categorization_error,omitempty"`
	CategorizationErrorMessage   string     `json:"categorization_error_message,omitempty"`
	CategorizationErrorTimestamp *time.Time `json:"categorization_error_timestamp,omitempty"`
	CategorizationRetryReason    string     `json:"categorization_retry_reason,omitempty"`
	CategorizationNextAttemptAt  *time.Time `json:"categorization_next_attempt_at,omitempty"`

	ProcessorsData map[string]ProcessorState `json:"processors_data,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Processor returns the state for a named processor, zero value if absent.
func (m *Message) Processor(name string) ProcessorState {
	if m == nil || m.ProcessorsData == nil {
		return ProcessorState{}
	}
	return m.ProcessorsData[name]
}

// PlainText returns the best available textual content: transcription first,
// then raw text. Empty string when neither is present.
func (m *Message) PlainText() string {
	if m.TranscriptionText != nil && *m.TranscriptionText != "" {
		return *m.TranscriptionText
	}
	if m.Text != nil {
		return *m.Text
	}
	return ""
}

// CategorizationFailure is the retry bookkeeping recorded on a message when
// a categorize attempt fails non-terminally.
type CategorizationFailure struct {
	Attempts      int
	Code          string
	Message       string
	RetryReason   string // "insufficient_quota" or empty
	NextAttemptAt time.Time
}

// QuotaRetry reports whether the failure is exempt from the hard attempt cap.
func (f CategorizationFailure) QuotaRetry() bool {
	return f.RetryReason == RetryReasonInsufficientQuota
}

// Retry reason / error codes recorded on messages.
const (
	RetryReasonInsufficientQuota = "insufficient_quota"
	ErrCodeCategorizationFailed  = "categorization_failed"
	ErrCodeMaxAttemptsExceeded   = "max_attempts_exceeded"
	ErrCodeEnqueueFailed         = "queue_enqueue_failed"
)
