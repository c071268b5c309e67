// Package notify delivers pipeline state-change events: session/message
// update events fan out to websocket subscribers through the events queue,
// and typed notifications (session done, tasks created, ...) go to the
// notifies queue for external integrations. Delivery is fire-and-forget;
// a lost event never fails the state transition that produced it.
package notify

import (
	"context"
	"log/slog"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/queue"
	"github.com/voicedesk/voicedesk/internal/runtime"
)

// Job names on the events queue.
const JobSendToSocket = "SEND_TO_SOCKET"

// Socket event kinds.
const (
	EventSessionUpdate = "session_update"
	EventMessageUpdate = "message_update"
)

// SocketEvent is the payload of a SEND_TO_SOCKET job and the frame pushed to
// websocket subscribers.
type SocketEvent struct {
	Event     string         `json:"event"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notification is the payload of a typed notify job.
type Notification struct {
	Event      string         `json:"event"`
	SessionID  string         `json:"session_id"`
	ChatID     int64          `json:"chat_id,omitempty"`
	RuntimeTag string         `json:"runtime_tag,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// QueueEvents implements the pipeline's event sink on top of the durable
// queue, mirroring how state-change events travel in the rest of the system.
type QueueEvents struct {
	queue queue.Enqueuer
	scope runtime.Scope
	log   *slog.Logger
}

// NewQueueEvents creates the queue-backed event sink.
func NewQueueEvents(q queue.Enqueuer, scope runtime.Scope, log *slog.Logger) *QueueEvents {
	return &QueueEvents{queue: q, scope: scope, log: log}
}

// SessionUpdated broadcasts a session state change.
func (e *QueueEvents) SessionUpdated(ctx context.Context, sessionID string) {
	e.send(ctx, SocketEvent{Event: EventSessionUpdate, SessionID: sessionID})
}

// MessageUpdated broadcasts a message state change.
func (e *QueueEvents) MessageUpdated(ctx context.Context, sessionID, messageID string) {
	e.send(ctx, SocketEvent{Event: EventMessageUpdate, SessionID: sessionID, MessageID: messageID})
}

func (e *QueueEvents) send(ctx context.Context, event SocketEvent) {
	err := e.queue.Enqueue(ctx, e.scope.QueueName(queue.QueueEvents), JobSendToSocket, event)
	if err != nil {
		e.log.Warn("drop socket event", "event", event.Event, "session_id", event.SessionID, "error", err)
	}
}

// Notify enqueues a typed notification named after the event.
func (e *QueueEvents) Notify(ctx context.Context, session *models.Session, event string, payload map[string]any) {
	n := Notification{Event: event, Payload: payload}
	if session != nil {
		n.ChatID = session.ChatID
		n.RuntimeTag = session.RuntimeTag
		if id, err := models.RecordIDString(session.ID); err == nil {
			n.SessionID = id
		}
	}

	err := e.queue.Enqueue(ctx, e.scope.QueueName(queue.QueueNotifies), event, n)
	if err != nil {
		e.log.Warn("drop notification", "event", event, "session_id", n.SessionID, "error", err)
	}
}
