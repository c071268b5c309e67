package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/voicedesk/voicedesk/internal/llm"
	"github.com/voicedesk/voicedesk/internal/models"
)

func categorizeJob(messageID, sessionID, text string) MessageJob {
	return MessageJob{MessageID: messageID, SessionID: sessionID, ChatID: 42, AIText: text}
}

func TestCategorizeSuccess(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	env.store.addMessage("m1", textMessage("s1", "100", 1000, "We need the export endpoint before Friday."))
	env.llm.script("```json\n[{\"text\":\"export endpoint needed\",\"speaker\":\"Anna\",\"topic_keywords\":\"export\"}]\n```", nil)

	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "We need the export endpoint before Friday.")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	msg := env.store.messages["m1"]
	if len(msg.Categorization) != 1 {
		t.Fatalf("segments = %d, want 1", len(msg.Categorization))
	}
	seg := msg.Categorization[0]
	if seg.Text != "export endpoint needed" || seg.Speaker != "Anna" || seg.TopicKeywords != "export" {
		t.Errorf("segment = %+v", seg)
	}
	if seg.CertaintyLevel != "low" {
		t.Errorf("certainty default = %q, want low", seg.CertaintyLevel)
	}
	state := msg.Processor(models.ProcessorCategorization)
	if state.IsProcessing || !state.IsProcessed {
		t.Errorf("state = %+v", state)
	}
	if msg.CategorizationAttempts != 0 || msg.CategorizationError != "" {
		t.Errorf("retry fields not cleared: attempts=%d error=%q", msg.CategorizationAttempts, msg.CategorizationError)
	}
	if len(env.chat.reactions) != 1 || env.chat.reactions[0] != "100:⚡" {
		t.Errorf("reactions = %v", env.chat.reactions)
	}
	if len(env.events.messageUpdates) != 1 {
		t.Errorf("message updates = %v", env.events.messageUpdates)
	}
}

func TestCategorizeSpeakerOverride(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "hello there everyone, long enough text"))
	msg.Speaker = "Boris"
	env.llm.script(`[{"text":"greeting","speaker":"Speaker 1"},{"text":"aside"}]`, nil)

	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "hello there everyone, long enough text")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	for i, seg := range msg.Categorization {
		if seg.Speaker != "Boris" {
			t.Errorf("segment %d speaker = %q, want Boris", i, seg.Speaker)
		}
	}
}

func TestCategorizeEmptyTextSucceedsEmpty(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	env.store.addMessage("m1", textMessage("s1", "100", 1000, ""))

	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	msg := env.store.messages["m1"]
	if msg.Categorization == nil || len(msg.Categorization) != 0 {
		t.Errorf("categorization = %v, want empty non-nil", msg.Categorization)
	}
	if !msg.Processor(models.ProcessorCategorization).IsProcessed {
		t.Error("empty text must complete the processor")
	}
	if len(env.llm.calls) != 0 {
		t.Errorf("completion called %d times for empty text", len(env.llm.calls))
	}
}

func TestCategorizeFailureRecordsBackoff(t *testing.T) {
	tests := []struct {
		name       string
		attempts   int
		cause      error
		wantCode   string
		wantReason string
	}{
		{
			name:     "server error",
			attempts: 2,
			cause:    &llm.CompletionError{StatusCode: 500, Message: "upstream exploded"},
			wantCode: models.ErrCodeCategorizationFailed,
		},
		{
			name:       "quota exhausted",
			attempts:   4,
			cause:      &llm.CompletionError{StatusCode: 429, Code: "insufficient_quota", Message: "billing hard limit reached"},
			wantCode:   models.RetryReasonInsufficientQuota,
			wantReason: models.RetryReasonInsufficientQuota,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(nil)
			env.store.addSession("s1", &models.Session{ChatID: 42})
			msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "long enough text to categorize for real"))
			msg.CategorizationAttempts = tt.attempts
			env.llm.script("", tt.cause)

			err := env.pipe.HandleCategorize(context.Background(),
				mustJob(JobCategorize, categorizeJob("m1", "s1", "long enough text to categorize for real")))
			if err != nil {
				t.Fatalf("HandleCategorize must swallow completion failures, got %v", err)
			}

			if msg.CategorizationAttempts != tt.attempts+1 {
				t.Errorf("attempts = %d, want %d", msg.CategorizationAttempts, tt.attempts+1)
			}
			if msg.CategorizationError != tt.wantCode {
				t.Errorf("code = %q, want %q", msg.CategorizationError, tt.wantCode)
			}
			if msg.CategorizationRetryReason != tt.wantReason {
				t.Errorf("retry reason = %q, want %q", msg.CategorizationRetryReason, tt.wantReason)
			}
			if msg.CategorizationNextAttemptAt == nil || !msg.CategorizationNextAttemptAt.After(testNow) {
				t.Errorf("next attempt = %v, want after %v", msg.CategorizationNextAttemptAt, testNow)
			}
			state := msg.Processor(models.ProcessorCategorization)
			if state.IsProcessing || state.IsProcessed {
				t.Errorf("claim not released: %+v", state)
			}
		})
	}
}

func TestCategorizeBackoffGrowsWithAttempts(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "long enough text to categorize for real"))
	msg.CategorizationAttempts = 3
	env.llm.script("", &llm.CompletionError{StatusCode: 503, Message: "overloaded"})

	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "long enough text to categorize for real")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	// attempt 4 backs off by base << 3 = 8 minutes.
	want := testNow.Add(8 * time.Minute)
	if msg.CategorizationNextAttemptAt == nil || !msg.CategorizationNextAttemptAt.Equal(want) {
		t.Errorf("next attempt = %v, want %v", msg.CategorizationNextAttemptAt, want)
	}
}

func TestCategorizeUnparseableResponseIsFailure(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "long enough text to categorize for real"))
	env.llm.script("I cannot help with that.", nil)

	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "long enough text to categorize for real")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	if msg.CategorizationError != models.ErrCodeCategorizationFailed {
		t.Errorf("code = %q, want %q", msg.CategorizationError, models.ErrCodeCategorizationFailed)
	}
	if msg.Categorization != nil {
		t.Errorf("categorization written despite parse failure: %v", msg.Categorization)
	}
}

func TestCategorizeTerminalAfterBudget(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "long enough text to categorize for real"))
	msg.CategorizationAttempts = 10

	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "long enough text to categorize for real")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	if msg.CategorizationError != models.ErrCodeMaxAttemptsExceeded {
		t.Errorf("code = %q, want %q", msg.CategorizationError, models.ErrCodeMaxAttemptsExceeded)
	}
	if len(env.llm.calls) != 0 {
		t.Error("completion must not be called past the attempt budget")
	}
}

func TestCategorizeQuotaRetryBypassesBudget(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "long enough text to categorize for real"))
	msg.CategorizationAttempts = 30
	msg.CategorizationRetryReason = models.RetryReasonInsufficientQuota
	env.llm.script(`[{"text":"finally through"}]`, nil)

	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "long enough text to categorize for real")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	if len(msg.Categorization) != 1 {
		t.Fatalf("quota-blocked message not processed after quota recovered")
	}
	if msg.CategorizationRetryReason != "" || msg.CategorizationAttempts != 0 {
		t.Errorf("retry fields not cleared: reason=%q attempts=%d", msg.CategorizationRetryReason, msg.CategorizationAttempts)
	}
}

func TestCategorizeStaleJobIsNoOp(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	env.store.addSession("s2", &models.Session{ChatID: 43})
	env.store.addMessage("m1", textMessage("s2", "100", 1000, "long enough text to categorize for real"))

	// Job carries the session the message no longer belongs to.
	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "long enough text to categorize for real")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	if len(env.llm.calls) != 0 {
		t.Error("stale job must not reach the completion service")
	}
	if env.store.messages["m1"].Processor(models.ProcessorCategorization).IsProcessed {
		t.Error("stale job mutated the message")
	}
}

func TestCategorizeDeletedSessionIsNoOp(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42, IsDeleted: true})
	env.store.addMessage("m1", textMessage("s1", "100", 1000, "long enough text to categorize for real"))

	err := env.pipe.HandleCategorize(context.Background(),
		mustJob(JobCategorize, categorizeJob("m1", "s1", "long enough text to categorize for real")))
	if err != nil {
		t.Fatalf("HandleCategorize: %v", err)
	}

	if len(env.llm.calls) != 0 {
		t.Error("deleted session must not reach the completion service")
	}
}
