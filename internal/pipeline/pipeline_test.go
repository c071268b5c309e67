package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/voicedesk/voicedesk/internal/models"
	"github.com/voicedesk/voicedesk/internal/prompts"
	"github.com/voicedesk/voicedesk/internal/queue"
	"github.com/voicedesk/voicedesk/internal/runtime"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Store for handler tests. Mutations follow the
// same field semantics as the real store so assertions can read final state.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	messages map[string]*models.Message
	order    []string // message insertion order per ListSessionMessages
	projects map[string]*models.Project
	tickets  []models.Ticket
	errs     map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[string]*models.Session{},
		messages: map[string]*models.Message{},
		projects: map[string]*models.Project{},
		errs:     map[string]error{},
	}
}

func (s *fakeStore) addSession(id string, session *models.Session) *models.Session {
	session.ID = surrealmodels.NewRecordID("voice_session", id)
	s.sessions[id] = session
	return session
}

func (s *fakeStore) addMessage(id string, msg *models.Message) *models.Message {
	msg.ID = surrealmodels.NewRecordID("voice_message", id)
	s.messages[id] = msg
	s.order = append(s.order, id)
	return msg
}

func (s *fakeStore) msgProc(id, processor string) models.ProcessorState {
	return s.messages[id].Processor(processor)
}

func (s *fakeStore) sessionProc(id, processor string) models.ProcessorState {
	return s.sessions[id].Processor(processor)
}

func recordID(table, id string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(table, id)
}

func setMsgProc(m *models.Message, name string, st models.ProcessorState) {
	if m.ProcessorsData == nil {
		m.ProcessorsData = map[string]models.ProcessorState{}
	}
	m.ProcessorsData[name] = st
}

func setSessionProc(s *models.Session, name string, st models.ProcessorState) {
	if s.ProcessorsData == nil {
		s.ProcessorsData = map[string]models.ProcessorState{}
	}
	s.ProcessorsData[name] = st
}

func (s *fakeStore) GetSession(_ context.Context, scope runtime.Scope, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || !scope.Matches(session.RuntimeTag) {
		return nil, s.errs["GetSession"]
	}
	return session, s.errs["GetSession"]
}

func (s *fakeStore) ListSessionsToProcess(_ context.Context, scope runtime.Scope) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, session := range s.sessions {
		if !session.IsDeleted && !session.IsMessagesProcessed && scope.Matches(session.RuntimeTag) {
			out = append(out, *session)
		}
	}
	return out, s.errs["ListSessionsToProcess"]
}

func (s *fakeStore) ListSessionsToFinalize(_ context.Context, scope runtime.Scope) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, session := range s.sessions {
		if session.IsMessagesProcessed && session.ToFinalize && !session.IsFinalized && scope.Matches(session.RuntimeTag) {
			out = append(out, *session)
		}
	}
	return out, s.errs["ListSessionsToFinalize"]
}

func (s *fakeStore) FinalizeSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.IsFinalized = true
		session.IsPostprocessing = true
	}
	return s.errs["FinalizeSession"]
}

func (s *fakeStore) MarkSessionDone(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.IsActive = false
		session.IsPostprocessing = true
		session.ToFinalize = true
		session.IsFinalized = false
		session.DoneAt = &now
		session.DoneCount++
		session.PostprocessingJobQueuedTimestamp = now.UnixMilli()
	}
	return s.errs["MarkSessionDone"]
}

func (s *fakeStore) MarkSessionMessagesProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.IsMessagesProcessed = true
		session.IsFinalized = false
	}
	return s.errs["MarkSessionMessagesProcessed"]
}

func (s *fakeStore) AssignSessionProject(_ context.Context, id, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.ProjectID = &projectID
	}
	return s.errs["AssignSessionProject"]
}

func (s *fakeStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[id], s.errs["GetProject"]
}

func (s *fakeStore) FindProjectByName(_ context.Context, name string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.Name == name {
			return p, s.errs["FindProjectByName"]
		}
	}
	return nil, s.errs["FindProjectByName"]
}

func (s *fakeStore) ClaimSessionProcessor(_ context.Context, id, processor string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["ClaimSessionProcessor"]; err != nil {
		return err
	}
	if session, ok := s.sessions[id]; ok {
		st := session.Processor(processor)
		st.IsProcessing = true
		st.JobQueuedTimestamp = now.UnixMilli()
		setSessionProc(session, processor, st)
	}
	return nil
}

func (s *fakeStore) ReleaseSessionProcessor(_ context.Context, id, processor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		st := session.Processor(processor)
		st.IsProcessing = false
		setSessionProc(session, processor, st)
	}
	return s.errs["ReleaseSessionProcessor"]
}

func (s *fakeStore) CompleteSessionProcessor(_ context.Context, id, processor string, data any, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		st := session.Processor(processor)
		st.IsProcessing = false
		st.IsProcessed = true
		st.JobFinishedTimestamp = now.UnixMilli()
		st.Data = data
		st.Error = ""
		setSessionProc(session, processor, st)
	}
	return s.errs["CompleteSessionProcessor"]
}

func (s *fakeStore) FailSessionProcessor(_ context.Context, id, processor, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		st := session.Processor(processor)
		st.IsProcessing = false
		st.Error = errMsg
		setSessionProc(session, processor, st)
	}
	return s.errs["FailSessionProcessor"]
}

func (s *fakeStore) GetMessage(_ context.Context, scope runtime.Scope, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || !scope.Matches(msg.RuntimeTag) {
		return nil, s.errs["GetMessage"]
	}
	return msg, s.errs["GetMessage"]
}

func (s *fakeStore) ListSessionMessages(_ context.Context, scope runtime.Scope, sessionID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.SessionID == sessionID && scope.Matches(msg.RuntimeTag) {
			out = append(out, *msg)
		}
	}
	return out, s.errs["ListSessionMessages"]
}

func (s *fakeStore) ClaimMessageCategorization(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["ClaimMessageCategorization"]; err != nil {
		return err
	}
	if msg, ok := s.messages[id]; ok {
		st := msg.Processor(models.ProcessorCategorization)
		st.IsProcessing = true
		st.IsProcessed = false
		st.JobQueuedTimestamp = now.UnixMilli()
		setMsgProc(msg, models.ProcessorCategorization, st)
	}
	return nil
}

func (s *fakeStore) RollbackMessageClaim(_ context.Context, id, errMsg string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		st := msg.Processor(models.ProcessorCategorization)
		st.IsProcessing = false
		st.IsProcessed = false
		setMsgProc(msg, models.ProcessorCategorization, st)
		msg.CategorizationError = models.ErrCodeEnqueueFailed
		msg.CategorizationErrorMessage = errMsg
		msg.CategorizationNextAttemptAt = &nextAttempt
		msg.CategorizationRetryReason = ""
	}
	return s.errs["RollbackMessageClaim"]
}

func (s *fakeStore) CompleteMessageCategorization(_ context.Context, id string, segments []models.Segment, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		if segments == nil {
			segments = []models.Segment{}
		}
		msg.Categorization = segments
		msg.CategorizationTimestamp = now.UnixMilli()
		msg.CategorizationAttempts = 0
		msg.CategorizationError = ""
		msg.CategorizationErrorMessage = ""
		msg.CategorizationErrorTimestamp = nil
		msg.CategorizationRetryReason = ""
		msg.CategorizationNextAttemptAt = nil
		st := msg.Processor(models.ProcessorCategorization)
		st.IsProcessing = false
		st.IsProcessed = true
		st.JobFinishedTimestamp = now.UnixMilli()
		setMsgProc(msg, models.ProcessorCategorization, st)
	}
	return s.errs["CompleteMessageCategorization"]
}

func (s *fakeStore) SkipMessageCategorization(_ context.Context, id, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		msg.Categorization = []models.Segment{}
		msg.CategorizationTimestamp = now.UnixMilli()
		msg.CategorizationError = ""
		msg.CategorizationErrorMessage = ""
		msg.CategorizationRetryReason = ""
		msg.CategorizationNextAttemptAt = nil
		st := msg.Processor(models.ProcessorCategorization)
		st.IsProcessing = false
		st.IsProcessed = true
		st.IsFinished = true
		st.JobQueuedTimestamp = now.UnixMilli()
		st.SkippedReason = reason
		setMsgProc(msg, models.ProcessorCategorization, st)
	}
	return s.errs["SkipMessageCategorization"]
}

func (s *fakeStore) MarkCategorizationFailed(_ context.Context, id string, f models.CategorizationFailure, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		msg.CategorizationAttempts = f.Attempts
		msg.CategorizationError = f.Code
		msg.CategorizationErrorMessage = f.Message
		msg.CategorizationErrorTimestamp = &now
		msg.CategorizationRetryReason = f.RetryReason
		msg.CategorizationNextAttemptAt = &f.NextAttemptAt
		st := msg.Processor(models.ProcessorCategorization)
		st.IsProcessing = false
		st.IsProcessed = false
		setMsgProc(msg, models.ProcessorCategorization, st)
	}
	return s.errs["MarkCategorizationFailed"]
}

func (s *fakeStore) FailMessageCategorizationTerminal(_ context.Context, id string, attempts int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		msg.CategorizationAttempts = attempts
		msg.CategorizationError = models.ErrCodeMaxAttemptsExceeded
		msg.CategorizationRetryReason = models.ErrCodeMaxAttemptsExceeded
		msg.CategorizationNextAttemptAt = nil
		st := msg.Processor(models.ProcessorCategorization)
		st.IsProcessing = false
		st.IsProcessed = true
		st.IsFinished = true
		st.JobQueuedTimestamp = now.UnixMilli()
		setMsgProc(msg, models.ProcessorCategorization, st)
	}
	return s.errs["FailMessageCategorizationTerminal"]
}

func (s *fakeStore) FinishMessageCategorization(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		st := msg.Processor(models.ProcessorCategorization)
		st.IsFinished = true
		setMsgProc(msg, models.ProcessorCategorization, st)
	}
	return s.errs["FinishMessageCategorization"]
}

func (s *fakeStore) ClaimMessageProcessor(_ context.Context, id, processor string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["ClaimMessageProcessor"]; err != nil {
		return err
	}
	if msg, ok := s.messages[id]; ok {
		st := msg.Processor(processor)
		st.IsProcessing = true
		st.IsProcessed = false
		st.JobQueuedTimestamp = now.UnixMilli()
		setMsgProc(msg, processor, st)
	}
	return nil
}

func (s *fakeStore) ReleaseMessageProcessor(_ context.Context, id, processor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		st := msg.Processor(processor)
		st.IsProcessing = false
		st.IsProcessed = false
		setMsgProc(msg, processor, st)
	}
	return s.errs["ReleaseMessageProcessor"]
}

func (s *fakeStore) CompleteMessageProcessor(_ context.Context, id, processor string, data any, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		st := msg.Processor(processor)
		st.IsProcessing = false
		st.IsProcessed = true
		st.JobFinishedTimestamp = now.UnixMilli()
		st.Data = data
		setMsgProc(msg, processor, st)
	}
	return s.errs["CompleteMessageProcessor"]
}

func (s *fakeStore) FinishMessageProcessor(_ context.Context, id, processor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		st := msg.Processor(processor)
		st.IsFinished = true
		setMsgProc(msg, processor, st)
	}
	return s.errs["FinishMessageProcessor"]
}

func (s *fakeStore) ResetMessageProcessor(_ context.Context, id, processor string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		st := msg.Processor(processor)
		st.IsProcessing = false
		st.IsProcessed = false
		st.IsFinished = false
		st.JobQueuedTimestamp = now.UnixMilli()
		setMsgProc(msg, processor, st)
	}
	return s.errs["ResetMessageProcessor"]
}

func (s *fakeStore) MarkMessageFinalized(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		msg.IsFinalized = true
	}
	return s.errs["MarkMessageFinalized"]
}

func (s *fakeStore) CreateTickets(_ context.Context, tickets []models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = append(s.tickets, tickets...)
	return s.errs["CreateTickets"]
}

// llmCall records one completion request.
type llmCall struct {
	Instructions string
	Input        string
	Model        string
}

// fakeLLM replays scripted responses in order. A nil error with response ""
// is valid; running past the script fails the call.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []llmCall
}

func (f *fakeLLM) script(response string, err error) {
	f.responses = append(f.responses, response)
	f.errs = append(f.errs, err)
}

func (f *fakeLLM) Complete(_ context.Context, instructions, input, model string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, llmCall{Instructions: instructions, Input: input, Model: model})
	if i >= len(f.responses) {
		return "", context.DeadlineExceeded
	}
	return f.responses[i], f.errs[i]
}

// fakeEvents records everything pushed at the sink.
type fakeEvents struct {
	mu             sync.Mutex
	sessionUpdates []string
	messageUpdates []string
	notifies       []string
}

func (f *fakeEvents) SessionUpdated(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionUpdates = append(f.sessionUpdates, sessionID)
}

func (f *fakeEvents) MessageUpdated(_ context.Context, _, messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageUpdates = append(f.messageUpdates, messageID)
}

func (f *fakeEvents) Notify(_ context.Context, _ *models.Session, event string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, event)
}

// fakeChat records outbound chat traffic.
type fakeChat struct {
	mu        sync.Mutex
	messages  []string
	reactions []string
	err       error
}

func (f *fakeChat) SendMessage(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return f.err
}

func (f *fakeChat) SetReaction(_ context.Context, _ int64, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID+":"+emoji)
	return f.err
}

// failEnqueuer rejects enqueues for one job name and delegates the rest.
type failEnqueuer struct {
	inner queue.Enqueuer
	name  string
}

func (f *failEnqueuer) Enqueue(ctx context.Context, q, name string, payload any, opts ...queue.Option) error {
	if name == f.name {
		return context.DeadlineExceeded
	}
	return f.inner.Enqueue(ctx, q, name, payload, opts...)
}

type testEnv struct {
	pipe   *Pipeline
	store  *fakeStore
	llm    *fakeLLM
	events *fakeEvents
	chat   *fakeChat
	mem    *queue.Memory
}

func newTestEnv(registry *prompts.Registry) *testEnv {
	if registry == nil {
		registry, _ = prompts.Load("")
	}
	env := &testEnv{
		store:  newFakeStore(),
		llm:    &fakeLLM{},
		events: &fakeEvents{},
		chat:   &fakeChat{},
		mem:    queue.NewMemory(),
	}
	env.mem.SetNow(func() time.Time { return testNow })
	env.pipe = New(env.store, env.mem, env.llm, env.events, env.chat, registry,
		runtime.NewScope(""), Config{}, slog.Default())
	env.pipe.SetNow(func() time.Time { return testNow })
	return env
}

// withQueue rebuilds the pipeline around a different enqueuer, keeping the
// fakes.
func (e *testEnv) withQueue(q queue.Enqueuer) {
	e.pipe = New(e.store, q, e.llm, e.events, e.chat, e.pipe.prompts,
		runtime.NewScope(""), Config{}, slog.Default())
	e.pipe.SetNow(func() time.Time { return testNow })
}

// loadPrompts writes prompt files into a temp directory and loads them the
// way the worker does at startup.
func loadPrompts(t *testing.T, files map[string]string) *prompts.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
			t.Fatalf("write prompt %s: %v", name, err)
		}
	}
	registry, err := prompts.Load(dir)
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	return registry
}

func mustJob(name string, payload any) queue.Job {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return queue.Job{ID: "test:1", Name: name, Payload: data, Attempt: 1, MaxAttempts: 1}
}

func textMessage(sessionID, messageID string, ts int64, text string) *models.Message {
	return &models.Message{
		SessionID:        sessionID,
		ChatID:           42,
		MessageID:        messageID,
		MessageTimestamp: ts,
		MessageType:      models.TypeText,
		Text:             &text,
		IsTranscribed:    true,
	}
}
