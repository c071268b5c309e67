package models

import "time"

// Ticket is a normalized task record synthesized by create_tasks, shaped for
// later promotion into the CRM board. Stored in
// processors_data.create_tasks.data on the session.
type Ticket struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	RuntimeTag     string    `json:"runtime_tag,omitempty"`
	Name           string    `json:"name"`
	Project        *string   `json:"project"`
	ProjectID      *string   `json:"project_id"`
	Priority       string    `json:"priority"`
	PriorityReason string    `json:"priority_reason"`
	TaskStatus     string    `json:"task_status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Description    string    `json:"description"`
	Epic           *string   `json:"epic"`
	UploadDate     *string   `json:"upload_date"`
	Order          int       `json:"order"`
	Notifications  bool      `json:"notifications"`
	EstimatedTime  *string   `json:"estimated_time"`

	// Fields carried through from the model's response for traceability.
	TaskIDFromAI       string   `json:"task_id_from_ai,omitempty"`
	DependenciesFromAI []string `json:"dependencies_from_ai"`
	DialogueReference  string   `json:"dialogue_reference,omitempty"`
}
