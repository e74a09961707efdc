// Package conversation drives flow conversations end to end: it loads the
// pinned flow version, runs the engine, dispatches actions, persists the new
// state and delivers the output to the participant.
//
// Work on one conversation is serialized in-process by a keyed mutex and
// across processes by the store's revision check.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/actions"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrFlowNotFound is returned when no version of a flow is published.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrFlowVersionMissing is returned when the version a conversation is
	// pinned to is no longer in the store.
	ErrFlowVersionMissing = errors.New("pinned flow version missing")
	// ErrConversationClosed is returned when advancing a conversation that
	// has completed or been abandoned.
	ErrConversationClosed = errors.New("conversation is not active")
	// ErrDocumentTooLarge is returned for flow documents over
	// models.MaxFlowDocumentSize.
	ErrDocumentTooLarge = errors.New("flow document too large")
	// ErrInvalidParticipant is returned when the transport rejects a
	// participant address.
	ErrInvalidParticipant = errors.New("invalid participant")
)

// Opts holds configuration for a Service.
type Opts struct {
	Messaging     messaging.Service
	Actions       *actions.Registry
	DefaultFlowID string
	Now           func() time.Time
}

// Option configures a Service.
type Option func(*Opts)

// WithMessaging sets the transport used to deliver output. Without one,
// output is only returned to the caller.
func WithMessaging(svc messaging.Service) Option {
	return func(o *Opts) { o.Messaging = svc }
}

// WithActions sets the action registry. Defaults to the built-in actions
// without a generator.
func WithActions(r *actions.Registry) Option {
	return func(o *Opts) { o.Actions = r }
}

// WithDefaultFlow enrolls participants without an active conversation into
// flowID when they send a message.
func WithDefaultFlow(flowID string) Option {
	return func(o *Opts) { o.DefaultFlowID = flowID }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Service orchestrates conversations. It is safe for concurrent use.
type Service struct {
	store         store.Store
	msg           messaging.Service
	actions       *actions.Registry
	defaultFlowID string
	now           func() time.Time

	locks   *keyedMutex
	cacheMu sync.RWMutex
	flows   map[string]*flow.Flow // keyed by id@version
}

// NewService creates a Service on top of st.
func NewService(st store.Store, opts ...Option) *Service {
	cfg := Opts{Now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Actions == nil {
		cfg.Actions = actions.NewDefaultRegistry(nil, "")
	}
	slog.Debug("conversation.NewService", "messaging_set", cfg.Messaging != nil, "default_flow", cfg.DefaultFlowID)
	return &Service{
		store:         st,
		msg:           cfg.Messaging,
		actions:       cfg.Actions,
		defaultFlowID: cfg.DefaultFlowID,
		now:           cfg.Now,
		locks:         newKeyedMutex(),
		flows:         make(map[string]*flow.Flow),
	}
}

func cacheKey(id, version string) string {
	return id + "@" + version
}

// Publish parses and validates raw, stores it as a new version of flow id and
// makes that version active. Parse and validation failures are returned as
// *flow.ParseError and *flow.ValidationError.
func (s *Service) Publish(ctx context.Context, id string, raw []byte) (*models.PublishResult, error) {
	slog.Debug("conversation.Publish invoked", "flowID", id, "size", len(raw))
	if strings.TrimSpace(id) == "" {
		return nil, models.ErrEmptyFlowID
	}
	if len(raw) > models.MaxFlowDocumentSize {
		return nil, ErrDocumentTooLarge
	}

	def, err := flow.Parse(raw)
	if err != nil {
		slog.Warn("flow document rejected by parser", "flowID", id, "error", err)
		return nil, err
	}
	f, err := flow.Validate(def)
	if err != nil {
		slog.Warn("flow document rejected by validator", "flowID", id, "error", err)
		return nil, err
	}
	warnings := flow.Lint(def)
	for _, w := range warnings {
		slog.Info("flow lint warning", "flowID", id, "code", w.Code, "step", w.StepID, "message", w.Message)
	}

	doc, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow %s: %w", id, err)
	}
	rec := models.FlowRecord{ID: id, Version: def.Version, Document: doc, Active: true, CreatedAt: s.now()}
	if err := s.store.SaveFlow(rec); err != nil {
		slog.Error("failed to save flow", "flowID", id, "version", def.Version, "error", err)
		return nil, fmt.Errorf("failed to save flow %s@%s: %w", id, def.Version, err)
	}

	s.cacheMu.Lock()
	s.flows[cacheKey(id, def.Version)] = f
	s.cacheMu.Unlock()

	slog.Info("flow published", "flowID", id, "version", def.Version, "steps", f.Len(), "warnings", len(warnings))
	return &models.PublishResult{FlowID: id, Version: def.Version, Steps: f.Len(), Warnings: warnings}, nil
}

// GetFlow returns the active version of flow id, or nil if none is published.
func (s *Service) GetFlow(id string) (*models.FlowRecord, error) {
	return s.store.GetActiveFlow(id)
}

// GetConversation returns a conversation, or nil if it does not exist.
func (s *Service) GetConversation(id string) (*models.Conversation, error) {
	return s.store.GetConversation(id)
}

// loadFlow returns the validated flow for rec, from cache when possible.
func (s *Service) loadFlow(rec *models.FlowRecord) (*flow.Flow, error) {
	key := cacheKey(rec.ID, rec.Version)
	s.cacheMu.RLock()
	f, ok := s.flows[key]
	s.cacheMu.RUnlock()
	if ok {
		return f, nil
	}

	f, err := flow.Load(rec.Document)
	if err != nil {
		return nil, fmt.Errorf("stored flow %s is invalid: %w", key, err)
	}
	s.cacheMu.Lock()
	s.flows[key] = f
	s.cacheMu.Unlock()
	return f, nil
}

// pinnedFlow returns the flow version conv was started on.
func (s *Service) pinnedFlow(conv *models.Conversation) (*flow.Flow, error) {
	rec, err := s.store.GetFlow(conv.FlowID, conv.FlowVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", cacheKey(conv.FlowID, conv.FlowVersion), err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowVersionMissing, cacheKey(conv.FlowID, conv.FlowVersion))
	}
	return s.loadFlow(rec)
}

func (s *Service) participantKey(participant string) string {
	return "participant:" + participant
}

func (s *Service) canonicalParticipant(p string) (string, error) {
	if s.msg == nil {
		return strings.TrimSpace(p), nil
	}
	return s.msg.ValidateAndCanonicalizeRecipient(p)
}

// Start begins a conversation on the active version of req.FlowID. A
// participant has at most one active conversation; starting a new one
// abandons the previous.
func (s *Service) Start(ctx context.Context, req models.StartConversationRequest) (*models.TurnView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	participant, err := s.canonicalParticipant(req.Participant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParticipant, err)
	}
	req.Participant = participant

	unlock := s.locks.Lock(s.participantKey(participant))
	defer unlock()
	return s.start(ctx, req)
}

// start expects the participant lock to be held.
func (s *Service) start(ctx context.Context, req models.StartConversationRequest) (*models.TurnView, error) {
	slog.Debug("conversation.Start invoked", "flowID", req.FlowID, "participant", req.Participant)

	rec, err := s.store.GetActiveFlow(req.FlowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", req.FlowID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, req.FlowID)
	}
	f, err := s.loadFlow(rec)
	if err != nil {
		return nil, err
	}

	if err := s.abandonActive(req.Participant); err != nil {
		return nil, err
	}

	turn := flow.Start(f, flow.WithVariables(req.Variables), flow.WithInitialInput(req.InitialInput))
	if turn.Result.Failed() {
		slog.Error("flow failed to start", "flowID", req.FlowID, "version", rec.Version, "error", turn.Result.Err)
		return nil, fmt.Errorf("flow %s failed to start: %w", cacheKey(req.FlowID, rec.Version), turn.Result.Err)
	}

	now := s.now()
	conv := models.Conversation{
		ID:             uuid.NewString(),
		FlowID:         req.FlowID,
		FlowVersion:    rec.Version,
		Participant:    req.Participant,
		Status:         models.ConversationActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	s.runActions(ctx, f, &turn, conv.Participant)
	conv.State = turn.State
	if turn.Complete {
		conv.Status = models.ConversationCompleted
	}

	if err := s.store.CreateConversation(conv); err != nil {
		slog.Error("failed to create conversation", "conversationID", conv.ID, "error", err)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if req.InitialInput != "" {
		s.recordResponse(conv.Participant, req.InitialInput, now)
	}
	slog.Info("conversation started", "conversationID", conv.ID, "flowID", conv.FlowID, "version", conv.FlowVersion,
		"participant", conv.Participant, "step", conv.State.CurrentStepID, "complete", turn.Complete)

	s.deliver(ctx, conv.Participant, turn.Emitted)
	return &models.TurnView{Conversation: conv, Result: turn.Result, Messages: turn.Emitted, Complete: turn.Complete}, nil
}

func (s *Service) abandonActive(participant string) error {
	prev, err := s.store.GetActiveConversationByParticipant(participant)
	if err != nil {
		return fmt.Errorf("failed to look up active conversation: %w", err)
	}
	if prev == nil {
		return nil
	}
	unlock := s.locks.Lock(prev.ID)
	defer unlock()
	// Reload under the conversation lock.
	prev, err = s.store.GetConversation(prev.ID)
	if err != nil || prev == nil || prev.Status != models.ConversationActive {
		return err
	}
	prev.Status = models.ConversationAbandoned
	prev.UpdatedAt = s.now()
	if err := s.store.UpdateConversation(prev); err != nil {
		return fmt.Errorf("failed to abandon conversation %s: %w", prev.ID, err)
	}
	slog.Info("conversation abandoned for restart", "conversationID", prev.ID, "participant", participant)
	return nil
}

// Advance feeds one reply into a conversation.
//
// An unrecognized choice is a user error: the participant is re-prompted,
// nothing is persisted, and the returned view carries the failure alongside an
// error matching flow.ErrUnrecognizedChoice. Engine failures such as
// flow.ErrUnknownStep leave the stored conversation untouched.
func (s *Service) Advance(ctx context.Context, conversationID, input string) (*models.TurnView, error) {
	req := models.AdvanceRequest{Input: input}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(conversationID)
	defer unlock()
	return s.advance(ctx, conversationID, input)
}

func (s *Service) advance(ctx context.Context, conversationID, input string) (*models.TurnView, error) {
	slog.Debug("conversation.Advance invoked", "conversationID", conversationID, "input_length", len(input))

	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrConversationNotFound, conversationID)
	}
	if conv.Status != models.ConversationActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrConversationClosed, conversationID, conv.Status)
	}

	f, err := s.pinnedFlow(conv)
	if err != nil {
		slog.Error("conversation flow unavailable", "conversationID", conversationID, "error", err)
		return nil, err
	}

	now := s.now()
	turn := flow.Advance(f, conv.State, input)
	if turn.Result.Failed() {
		if errors.Is(turn.Result.Err, flow.ErrUnrecognizedChoice) {
			slog.Info("unrecognized choice", "conversationID", conversationID, "step", conv.State.CurrentStepID)
			s.reprompt(ctx, f, conv)
			view := &models.TurnView{Conversation: *conv, Result: turn.Result, Error: turn.Result.Err.Error()}
			return view, turn.Result.Err
		}
		slog.Error("conversation advance failed", "conversationID", conversationID, "step", conv.State.CurrentStepID, "error", turn.Result.Err)
		return nil, fmt.Errorf("conversation %s: %w", conversationID, turn.Result.Err)
	}

	s.runActions(ctx, f, &turn, conv.Participant)
	conv.State = turn.State
	conv.UpdatedAt = now
	conv.LastActivityAt = now
	if turn.Complete {
		conv.Status = models.ConversationCompleted
	}
	if err := s.store.UpdateConversation(conv); err != nil {
		slog.Error("failed to persist conversation", "conversationID", conversationID, "error", err)
		return nil, fmt.Errorf("failed to persist conversation %s: %w", conversationID, err)
	}
	s.recordResponse(conv.Participant, input, now)
	slog.Info("conversation advanced", "conversationID", conversationID, "step", conv.State.CurrentStepID, "complete", turn.Complete)

	s.deliver(ctx, conv.Participant, turn.Emitted)
	return &models.TurnView{Conversation: *conv, Result: turn.Result, Messages: turn.Emitted, Complete: turn.Complete}, nil
}

// HandleResponse routes an inbound message to the participant's active
// conversation, enrolling them into the default flow when they have none. It
// reports false when the message was not taken by any conversation. It has the
// shape of messaging.ResponseAction.
func (s *Service) HandleResponse(ctx context.Context, from, text string, timestamp int64) (bool, error) {
	participant, err := s.canonicalParticipant(from)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParticipant, err)
	}
	unlock := s.locks.Lock(s.participantKey(participant))
	defer unlock()

	active, err := s.store.GetActiveConversationByParticipant(participant)
	if err != nil {
		return false, fmt.Errorf("failed to look up active conversation: %w", err)
	}

	if active == nil {
		if s.defaultFlowID == "" {
			slog.Debug("no active conversation and no default flow", "participant", participant)
			return false, nil
		}
		req := models.StartConversationRequest{FlowID: s.defaultFlowID, Participant: participant, InitialInput: text}
		if err := req.Validate(); err != nil {
			return false, err
		}
		if _, err := s.start(ctx, req); err != nil {
			return false, err
		}
		slog.Info("participant auto-enrolled", "participant", participant, "flowID", s.defaultFlowID)
		return true, nil
	}

	req := models.AdvanceRequest{Input: text}
	if err := req.Validate(); err != nil {
		slog.Info("ignoring invalid reply", "participant", participant, "error", err)
		return true, nil
	}
	unlockConv := s.locks.Lock(active.ID)
	defer unlockConv()
	if _, err := s.advance(ctx, active.ID, text); err != nil {
		if flow.IsUserError(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// SweepIdle marks active conversations without activity for idleFor as
// abandoned and returns how many were marked.
func (s *Service) SweepIdle(ctx context.Context, idleFor time.Duration) (int, error) {
	cutoff := s.now().Add(-idleFor)
	idle, err := s.store.ListIdleConversations(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle conversations: %w", err)
	}
	slog.Debug("conversation.SweepIdle", "candidates", len(idle), "cutoff", cutoff)

	marked := 0
	for _, c := range idle {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		ok, err := s.abandonIfIdle(c.ID, cutoff)
		if err != nil {
			slog.Error("failed to abandon idle conversation", "conversationID", c.ID, "error", err)
			continue
		}
		if ok {
			marked++
		}
	}
	if marked > 0 {
		slog.Info("idle conversations abandoned", "count", marked)
	}
	// Dedup records share the idle window.
	if pruned, err := s.store.PruneInbound(cutoff); err != nil {
		slog.Warn("failed to prune inbound dedup records", "error", err)
	} else if pruned > 0 {
		slog.Debug("inbound dedup records pruned", "count", pruned)
	}
	return marked, nil
}

func (s *Service) abandonIfIdle(id string, cutoff time.Time) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	conv, err := s.store.GetConversation(id)
	if err != nil || conv == nil {
		return false, err
	}
	if conv.Status != models.ConversationActive || !conv.LastActivityAt.Before(cutoff) {
		return false, nil
	}
	conv.Status = models.ConversationAbandoned
	conv.UpdatedAt = s.now()
	if err := s.store.UpdateConversation(conv); err != nil {
		return false, err
	}
	return true, nil
}

// runActions dispatches the action intents of turn in order and folds their
// output into turn.State. Messages and prompts that follow an action are
// re-rendered so their placeholders see its output. A failed action is logged
// and skipped; the engine has already moved past it.
func (s *Service) runActions(ctx context.Context, f *flow.Flow, turn *flow.Turn, participant string) {
	hasAction := false
	for _, r := range turn.Emitted {
		if r.Kind == flow.ResultActionComplete {
			hasAction = true
			break
		}
	}
	if !hasAction {
		return
	}

	working := turn.State.Clone()
	ranAction := false
	for i, r := range turn.Emitted {
		switch r.Kind {
		case flow.ResultActionComplete:
			intent := *r.Action
			out, err := s.actions.Dispatch(ctx, actions.Request{Intent: intent, State: working.Clone(), Participant: participant})
			if err != nil {
				slog.Error("action failed; continuing", "action", intent.Name, "step", intent.StepID, "participant", participant, "error", err)
				continue
			}
			actions.FoldOutput(&working, intent.StepID, out)
			if out.Text != "" {
				intent.Output = out.Text
			}
			turn.Emitted[i] = flow.ActionResult(intent)
			ranAction = true
		case flow.ResultMessage, flow.ResultChoice:
			if !ranAction {
				continue
			}
			if step, ok := f.Step(r.StepID); ok {
				turn.Emitted[i] = flow.Present(step, working)
			}
		}
	}
	turn.State.Variables = working.Variables
	if len(turn.Emitted) > 0 {
		turn.Result = turn.Emitted[len(turn.Emitted)-1]
	}
}

// deliver sends every non-empty rendered result to the participant.
// Delivery failures are logged; the conversation has already moved on.
func (s *Service) deliver(ctx context.Context, participant string, results []flow.StepResult) {
	if s.msg == nil {
		return
	}
	for _, r := range results {
		body := messaging.Render(r)
		if body == "" {
			continue
		}
		if err := s.msg.SendMessage(ctx, participant, body); err != nil {
			slog.Error("failed to deliver message", "participant", participant, "step", r.StepID, "error", err)
		}
	}
}

func (s *Service) reprompt(ctx context.Context, f *flow.Flow, conv *models.Conversation) {
	if s.msg == nil {
		return
	}
	step, ok := f.Step(conv.State.CurrentStepID)
	if !ok {
		return
	}
	body := messaging.RenderRetry(flow.Present(step, conv.State))
	if err := s.msg.SendMessage(ctx, conv.Participant, body); err != nil {
		slog.Error("failed to send re-prompt", "conversationID", conv.ID, "error", err)
	}
}

func (s *Service) recordResponse(participant, body string, at time.Time) {
	if err := s.store.AddResponse(models.Response{From: participant, Body: body, Time: at.Unix()}); err != nil {
		slog.Error("failed to record response", "participant", participant, "error", err)
	}
}
