package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/queue"
)

func TestDispatchClaimsFirstUnprocessedMessage(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	prior := env.store.addMessage("m1", textMessage("s1", "100", 1000, "We agreed to migrate the billing service next sprint."))
	setMsgProc(prior, models.ProcessorCategorization, models.ProcessorState{IsProcessed: true, IsFinished: true})
	env.store.addMessage("m2", textMessage("s1", "101", 2000, "The rollout needs a feature flag and a dashboard before launch."))

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	state := env.store.msgProc("m2", models.ProcessorCategorization)
	if !state.IsProcessing || state.IsProcessed {
		t.Errorf("expected m2 claimed, got %+v", state)
	}
	jobs := env.mem.Jobs(queue.QueueVoice, JobCategorize)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 categorize job, got %d", len(jobs))
	}
	var payload MessageJob
	if err := jobs[0].Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.MessageID != "m2" || payload.SessionID != "s1" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.MessageContext) != 1 || payload.MessageContext[0] != "m1" {
		t.Errorf("context = %v, want [m1]", payload.MessageContext)
	}
	if payload.AIText == "" {
		t.Error("expected prepared text in payload")
	}
}

func TestDispatchShortTextSkip(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		reason string
	}{
		{"short ack", "ok sure", "short_text"},
		{"slash command", "/done", "slash_command"},
		{"short with digits kept", "room 404", ""},
		{"short with url kept", "see https://x.io", ""},
		{"long text kept", "This one sentence alone is comfortably past the short-text bound.", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(nil)
			env.store.addSession("s1", &models.Session{ChatID: 42})
			env.store.addMessage("m1", textMessage("s1", "100", 1000, tt.text))

			err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
			if err != nil {
				t.Fatalf("HandleProcessSession: %v", err)
			}

			state := env.store.msgProc("m1", models.ProcessorCategorization)
			if tt.reason != "" {
				if !state.IsProcessed || !state.IsFinished || state.SkippedReason != tt.reason {
					t.Errorf("expected skip %q, got %+v", tt.reason, state)
				}
				if got := env.mem.Len(); got != 0 {
					t.Errorf("expected no jobs after skip, got %d", got)
				}
			} else {
				if state.SkippedReason != "" {
					t.Errorf("unexpected skip reason %q", state.SkippedReason)
				}
				if jobs := env.mem.Jobs(queue.QueueVoice, JobCategorize); len(jobs) != 1 {
					t.Errorf("expected 1 categorize job, got %d", len(jobs))
				}
			}
		})
	}
}

func TestDispatchEnqueueFailureRollsBackClaim(t *testing.T) {
	env := newTestEnv(nil)
	env.withQueue(&failEnqueuer{inner: env.mem, name: JobCategorize})
	env.store.addSession("s1", &models.Session{ChatID: 42})
	env.store.addMessage("m1", textMessage("s1", "100", 1000, "A message long enough to not be skipped outright."))

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	msg := env.store.messages["m1"]
	state := msg.Processor(models.ProcessorCategorization)
	if state.IsProcessing || state.IsProcessed {
		t.Errorf("claim not rolled back: %+v", state)
	}
	if msg.CategorizationError != models.ErrCodeEnqueueFailed {
		t.Errorf("error code = %q, want %q", msg.CategorizationError, models.ErrCodeEnqueueFailed)
	}
	want := testNow.Add(time.Minute)
	if msg.CategorizationNextAttemptAt == nil || !msg.CategorizationNextAttemptAt.Equal(want) {
		t.Errorf("next attempt = %v, want %v", msg.CategorizationNextAttemptAt, want)
	}
	if len(env.events.messageUpdates) == 0 {
		t.Error("expected a message update event after rollback")
	}
}

func TestDispatchRespectsBackoffGate(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "A message long enough to not be skipped outright."))
	next := testNow.Add(5 * time.Minute)
	msg.CategorizationAttempts = 2
	msg.CategorizationNextAttemptAt = &next

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	if env.mem.Len() != 0 {
		t.Errorf("expected no jobs while backoff gate is in the future")
	}
	if env.store.msgProc("m1", models.ProcessorCategorization).IsProcessing {
		t.Error("message must not be claimed before its gate")
	}
}

func TestDispatchTerminalAfterAttemptBudget(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "A message long enough to not be skipped outright."))
	msg.CategorizationAttempts = 11

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	if msg.CategorizationError != models.ErrCodeMaxAttemptsExceeded {
		t.Errorf("error code = %q, want %q", msg.CategorizationError, models.ErrCodeMaxAttemptsExceeded)
	}
	state := env.store.msgProc("m1", models.ProcessorCategorization)
	if !state.IsProcessed || !state.IsFinished {
		t.Errorf("expected terminal state, got %+v", state)
	}
	if env.mem.Len() != 0 {
		t.Error("terminal message must not be enqueued")
	}
}

func TestDispatchQuotaRetryExemptFromCap(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "A message long enough to not be skipped outright."))
	msg.CategorizationAttempts = 25
	msg.CategorizationRetryReason = models.RetryReasonInsufficientQuota

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	if msg.CategorizationError == models.ErrCodeMaxAttemptsExceeded {
		t.Error("quota-blocked message must not go terminal")
	}
	if jobs := env.mem.Jobs(queue.QueueVoice, JobCategorize); len(jobs) != 1 {
		t.Errorf("expected quota-blocked message re-enqueued, got %d jobs", len(jobs))
	}
}

func TestDispatchResetsStaleClaim(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "A message long enough to not be skipped outright."))
	setMsgProc(msg, models.ProcessorCategorization, models.ProcessorState{
		IsProcessing:       true,
		JobQueuedTimestamp: testNow.Add(-11 * time.Minute).UnixMilli(),
	})

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	// The stale claim is released and the same pass re-claims the message.
	state := env.store.msgProc("m1", models.ProcessorCategorization)
	if !state.IsProcessing {
		t.Errorf("expected message re-claimed after stale reset, got %+v", state)
	}
	if state.JobQueuedTimestamp != testNow.UnixMilli() {
		t.Errorf("claim timestamp not refreshed: %d", state.JobQueuedTimestamp)
	}
	if jobs := env.mem.Jobs(queue.QueueVoice, JobCategorize); len(jobs) != 1 {
		t.Errorf("expected 1 categorize job, got %d", len(jobs))
	}
}

func TestDispatchKeepsFreshClaim(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "A message long enough to not be skipped outright."))
	setMsgProc(msg, models.ProcessorCategorization, models.ProcessorState{
		IsProcessing:       true,
		JobQueuedTimestamp: testNow.Add(-time.Minute).UnixMilli(),
	})

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	if env.mem.Len() != 0 {
		t.Error("in-flight message must not be re-enqueued")
	}
}

func TestDispatchFinishSweepPromotesProcessed(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "done"))
	setMsgProc(msg, models.ProcessorCategorization, models.ProcessorState{IsProcessed: true})

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	if !env.store.msgProc("m1", models.ProcessorCategorization).IsFinished {
		t.Error("processed message not promoted to finished")
	}
}

func TestDispatchFinalizationMarksSessionProcessed(t *testing.T) {
	env := newTestEnv(nil)
	session := env.store.addSession("s1", &models.Session{ChatID: 42})
	for _, id := range []string{"m1", "m2"} {
		msg := env.store.addMessage(id, textMessage("s1", id, 1000, "done"))
		setMsgProc(msg, models.ProcessorCategorization, models.ProcessorState{IsProcessed: true, IsFinished: true})
	}

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	for _, id := range []string{"m1", "m2"} {
		if !env.store.messages[id].IsFinalized {
			t.Errorf("message %s not finalized", id)
		}
	}
	if !session.IsMessagesProcessed {
		t.Error("session not marked messages processed")
	}
	if len(env.events.notifies) != 1 || env.events.notifies[0] != EventSessionCategorizationDone {
		t.Errorf("notifies = %v", env.events.notifies)
	}
	if len(env.chat.reactions) != 2 {
		t.Errorf("expected a reaction per finalized message, got %v", env.chat.reactions)
	}
}

func TestDispatchFinalizationWaitsForAllStages(t *testing.T) {
	env := newTestEnv(nil)
	session := env.store.addSession("s1", &models.Session{
		ChatID:     42,
		Processors: []string{models.ProcessorCategorization, models.ProcessorSummarization, models.ProcessorFinalization},
	})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "done"))
	setMsgProc(msg, models.ProcessorCategorization, models.ProcessorState{IsProcessed: true, IsFinished: true})
	msg.Categorization = []models.Segment{{Text: "done"}}

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	if env.store.messages["m1"].IsFinalized {
		t.Error("message finalized with summarization still pending")
	}
	if session.IsMessagesProcessed {
		t.Error("session marked processed with a stage pending")
	}
	if jobs := env.mem.Jobs(queue.QueueVoice, JobSummarize); len(jobs) != 1 {
		t.Errorf("expected summarization dispatched, got %d jobs", len(jobs))
	}
}

func TestDispatchEnrichmentWaitsForCategorization(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{
		ChatID:     42,
		Processors: []string{models.ProcessorCategorization, models.ProcessorQuestioning},
	})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "A message long enough to not be skipped outright."))
	msg.Categorization = nil

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	if jobs := env.mem.Jobs(queue.QueueVoice, JobQuestions); len(jobs) != 0 {
		t.Errorf("questioning dispatched before categorization result exists: %d jobs", len(jobs))
	}
}

func TestDispatchWrongRuntimeIsNoOp(t *testing.T) {
	env := newTestEnv(nil)
	session := env.store.addSession("s1", &models.Session{ChatID: 42, RuntimeTag: "beta-lane"})
	env.store.addMessage("m1", textMessage("s1", "100", 1000, "A message long enough to not be skipped outright."))
	env.store.messages["m1"].RuntimeTag = "beta-lane"

	err := env.pipe.HandleProcessSession(context.Background(), mustJob(JobProcessSession, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleProcessSession: %v", err)
	}

	if env.mem.Len() != 0 {
		t.Error("prod worker must not touch beta records")
	}
	if session.IsMessagesProcessed {
		t.Error("prod worker mutated a beta session")
	}
}

func TestSweepEnqueuesAndFinalizes(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	done := env.store.addSession("s2", &models.Session{
		ChatID:              43,
		IsMessagesProcessed: true,
		ToFinalize:          true,
		SessionProcessors:   []string{"create_tasks"},
	})
	setSessionProc(done, "create_tasks", models.ProcessorState{IsProcessed: true})
	waiting := env.store.addSession("s3", &models.Session{
		ChatID:              44,
		IsMessagesProcessed: true,
		ToFinalize:          true,
		SessionProcessors:   []string{"create_tasks"},
	})

	if err := env.pipe.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	jobs := env.mem.Jobs(queue.QueuePostprocessors, JobProcessSession)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 dispatch job, got %d", len(jobs))
	}
	if jobs[0].DedupKey != "s1-"+JobProcessSession {
		t.Errorf("dedup key = %q", jobs[0].DedupKey)
	}
	if !done.IsFinalized {
		t.Error("session with all processors done not finalized")
	}
	if waiting.IsFinalized {
		t.Error("session with pending processors finalized early")
	}

	// A second sweep must not double-enqueue while the first job is pending.
	if err := env.pipe.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if jobs := env.mem.Jobs(queue.QueuePostprocessors, JobProcessSession); len(jobs) != 1 {
		t.Errorf("dedup failed, got %d dispatch jobs", len(jobs))
	}
}
