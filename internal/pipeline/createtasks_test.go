package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/voicedesk/voicedesk/internal/llm"
	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/queue"
	"github.com/voicedesk/voicedesk/internal/runtime"
)

func taskSession(env *testEnv, finished bool) *models.Session {
	session := env.store.addSession("s1", &models.Session{ChatID: 42})
	for i, text := range []string{"We must add rate limiting.", "Someone owns the migration runbook."} {
		id := []string{"m1", "m2"}[i]
		msg := env.store.addMessage(id, textMessage("s1", id, int64(1000*(i+1)), text))
		msg.Categorization = []models.Segment{{Text: text, Speaker: "Anna"}}
		setMsgProc(msg, models.ProcessorCategorization, models.ProcessorState{
			IsProcessed: true,
			IsFinished:  finished,
		})
	}
	return session
}

func TestCreateTasksBuildsTickets(t *testing.T) {
	env := newTestEnv(nil)
	session := taskSession(env, true)
	projectID := "proj-1"
	session.ProjectID = &projectID
	env.store.projects[projectID] = &models.Project{ID: recordID("project", projectID), Name: "Platform"}
	env.llm.script(`[
		{"title":"Add rate limiting","description":"<p>Protect the API</p><script>alert(1)</script>","priority":"High","priority_reason":"Outage risk","deadline":"2026-03-20","task_id":"T1","dependencies":["T0"],"dialogue_reference":"We must add rate limiting."},
		{"title":"Write migration runbook"}
	]`, nil)

	err := env.pipe.HandleCreateTasks(context.Background(), mustJob(JobCreateTasks, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleCreateTasks: %v", err)
	}

	if len(env.store.tickets) != 2 {
		t.Fatalf("tickets = %d, want 2", len(env.store.tickets))
	}
	first := env.store.tickets[0]
	if first.Name != "Add rate limiting" || first.Priority != "High" || first.PriorityReason != "Outage risk" {
		t.Errorf("first ticket = %+v", first)
	}
	if first.ID == "" || first.SessionID != "s1" || first.TaskStatus != "Ready" {
		t.Errorf("first ticket identity = %+v", first)
	}
	if strings.Contains(first.Description, "<script>") {
		t.Errorf("description not sanitized: %q", first.Description)
	}
	if !strings.Contains(first.Description, "Protect the API") {
		t.Errorf("description content lost: %q", first.Description)
	}
	if first.UploadDate == nil || *first.UploadDate != "2026-03-20" {
		t.Errorf("deadline = %v", first.UploadDate)
	}
	if first.ProjectID == nil || *first.ProjectID != projectID || first.Project == nil || *first.Project != "Platform" {
		t.Errorf("project link = %v / %v", first.ProjectID, first.Project)
	}

	second := env.store.tickets[1]
	if second.Priority != "Medium" || second.PriorityReason != "No reason provided" {
		t.Errorf("defaults not applied: %+v", second)
	}
	if second.DependenciesFromAI == nil || len(second.DependenciesFromAI) != 0 {
		t.Errorf("dependencies = %#v, want empty non-nil", second.DependenciesFromAI)
	}

	state := env.store.sessionProc("s1", models.ProcessorCreateTasks)
	if !state.IsProcessed || state.IsProcessing {
		t.Errorf("state = %+v", state)
	}
	if len(env.events.notifies) != 1 || env.events.notifies[0] != EventSessionTasksCreated {
		t.Errorf("notifies = %v", env.events.notifies)
	}
	if got := env.llm.calls[0].Input; !strings.Contains(got, "\n\n") {
		t.Errorf("segment texts not joined with blank line: %q", got)
	}
}

func TestCreateTasksRepollsWhileCategorizationUnfinished(t *testing.T) {
	env := newTestEnv(nil)
	taskSession(env, false)

	err := env.pipe.HandleCreateTasks(context.Background(), mustJob(JobCreateTasks, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleCreateTasks: %v", err)
	}

	if len(env.llm.calls) != 0 {
		t.Error("completion called before categorization finished")
	}
	if env.store.sessionProc("s1", models.ProcessorCreateTasks).IsProcessing {
		t.Error("claim not released before repoll")
	}

	jobs := env.mem.Jobs(queue.QueuePostprocessors, JobCreateTasks)
	if len(jobs) != 1 {
		t.Fatalf("repoll jobs = %d, want 1", len(jobs))
	}
	var payload SessionJob
	if err := jobs[0].Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Repolls != 1 {
		t.Errorf("repolls = %d, want 1", payload.Repolls)
	}
	if want := testNow.Add(time.Minute); !jobs[0].RunAt.Equal(want) {
		t.Errorf("run at = %v, want %v", jobs[0].RunAt, want)
	}
}

func TestCreateTasksRepollBudgetExhausted(t *testing.T) {
	env := newTestEnv(nil)
	taskSession(env, false)

	err := env.pipe.HandleCreateTasks(context.Background(),
		mustJob(JobCreateTasks, SessionJob{SessionID: "s1", Repolls: 60}))
	if err != nil {
		t.Fatalf("HandleCreateTasks: %v", err)
	}

	if env.mem.Len() != 0 {
		t.Error("repoll budget exhausted but job re-enqueued")
	}
	if env.store.sessionProc("s1", models.ProcessorCreateTasks).IsProcessing {
		t.Error("claim left held after giving up")
	}
}

func TestCreateTasksEmptySegmentsCompleteEmpty(t *testing.T) {
	env := newTestEnv(nil)
	env.store.addSession("s1", &models.Session{ChatID: 42})
	msg := env.store.addMessage("m1", textMessage("s1", "100", 1000, "ok"))
	setMsgProc(msg, models.ProcessorCategorization, models.ProcessorState{
		IsProcessed: true, IsFinished: true, SkippedReason: "short_text",
	})

	err := env.pipe.HandleCreateTasks(context.Background(), mustJob(JobCreateTasks, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleCreateTasks: %v", err)
	}

	if len(env.llm.calls) != 0 {
		t.Error("completion called with no segments")
	}
	state := env.store.sessionProc("s1", models.ProcessorCreateTasks)
	if !state.IsProcessed {
		t.Error("create_tasks not completed")
	}
	if tickets, ok := state.Data.([]models.Ticket); !ok || len(tickets) != 0 {
		t.Errorf("data = %#v, want empty ticket list", state.Data)
	}
}

func TestCreateTasksModelFallback(t *testing.T) {
	env := newTestEnv(nil)
	env.pipe = New(env.store, env.mem, env.llm, env.events, env.chat, env.pipe.prompts,
		runtime.NewScope(""), Config{TaskModel: "gpt-experimental"}, slog.Default())
	env.pipe.SetNow(func() time.Time { return testNow })
	taskSession(env, true)

	env.llm.script("", &llm.CompletionError{StatusCode: 404, Code: "model_not_found", Message: "unknown model"})
	env.llm.script(`[{"title":"Fallback worked"}]`, nil)

	err := env.pipe.HandleCreateTasks(context.Background(), mustJob(JobCreateTasks, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleCreateTasks: %v", err)
	}

	if len(env.llm.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(env.llm.calls))
	}
	if env.llm.calls[0].Model != "gpt-experimental" {
		t.Errorf("first model = %q", env.llm.calls[0].Model)
	}
	if env.llm.calls[1].Model != "gpt-4.1" {
		t.Errorf("fallback model = %q", env.llm.calls[1].Model)
	}
	if len(env.store.tickets) != 1 {
		t.Errorf("tickets = %d", len(env.store.tickets))
	}
}

func TestCreateTasksLLMFailureRecordsAndRetries(t *testing.T) {
	env := newTestEnv(nil)
	taskSession(env, true)
	env.llm.script("", &llm.CompletionError{StatusCode: 500, Message: "upstream exploded"})

	err := env.pipe.HandleCreateTasks(context.Background(), mustJob(JobCreateTasks, SessionJob{SessionID: "s1"}))
	if err == nil {
		t.Fatal("expected an error so the queue retries")
	}

	state := env.store.sessionProc("s1", models.ProcessorCreateTasks)
	if state.IsProcessed {
		t.Error("failed run marked processed")
	}
	if state.Error == "" {
		t.Error("failure not recorded")
	}
	if len(env.store.tickets) != 0 {
		t.Error("tickets written despite failure")
	}
}

func TestCreateTasksUnparseableReleasesClaim(t *testing.T) {
	env := newTestEnv(nil)
	taskSession(env, true)
	env.llm.script("Sorry, I can only answer questions.", nil)

	err := env.pipe.HandleCreateTasks(context.Background(), mustJob(JobCreateTasks, SessionJob{SessionID: "s1"}))
	if err != nil {
		t.Fatalf("HandleCreateTasks: %v", err)
	}

	state := env.store.sessionProc("s1", models.ProcessorCreateTasks)
	if state.IsProcessing || state.IsProcessed {
		t.Errorf("claim not released cleanly: %+v", state)
	}
	if len(env.store.tickets) != 0 {
		t.Error("tickets written despite unparseable response")
	}
}
