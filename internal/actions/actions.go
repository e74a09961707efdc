// Package actions runs the named actions that flow action steps ask for.
//
// The engine only emits an ActionIntent and moves on. The conversation layer
// dispatches the intent here and folds the Output into the conversation
// variables before persisting, so later steps can interpolate it.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

// Built-in action names.
const (
	GenerateAIResponse = "generate_ai_response"
	CalculateScore     = "calculate_score"
	SetVariables       = "set_variables"
)

// Variables written by FoldOutput.
const (
	OutputVariableSuffix = "_output"
	LastAIResponseVar    = "last_ai_response"
	ScoreVar             = "score"
)

// ErrUnknownAction is returned by Dispatch when no handler is registered.
var ErrUnknownAction = errors.New("unknown action")

// Request carries everything a handler may look at.
type Request struct {
	Intent      flow.ActionIntent
	State       flow.State
	Participant string
}

// Output is what an action produced. Text, when set, is delivered to the
// participant and stored as <stepId>_output.
type Output struct {
	Text      string
	Variables map[string]string
}

// Handler executes one action.
type Handler func(ctx context.Context, req Request) (Output, error)

// Registry maps action names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	slog.Debug("actions.Registry.Register", "action", name)
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered for req.Intent.Name.
func (r *Registry) Dispatch(ctx context.Context, req Request) (Output, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.Intent.Name]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("actions.Dispatch unknown action", "action", req.Intent.Name, "step", req.Intent.StepID)
		return Output{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Intent.Name)
	}

	slog.Debug("actions.Dispatch executing", "action", req.Intent.Name, "step", req.Intent.StepID, "participant", req.Participant)
	out, err := h(ctx, req)
	if err != nil {
		slog.Error("actions.Dispatch action failed", "action", req.Intent.Name, "step", req.Intent.StepID, "error", err)
		return Output{}, fmt.Errorf("action %q at step %q failed: %w", req.Intent.Name, req.Intent.StepID, err)
	}
	return out, nil
}

// FoldOutput writes an action's output into state variables: every output
// variable, plus the text under <stepId>_output.
func FoldOutput(state *flow.State, stepID string, out Output) {
	if state.Variables == nil {
		state.Variables = make(map[string]string)
	}
	for k, v := range out.Variables {
		state.Variables[k] = v
	}
	if out.Text != "" {
		state.Variables[stepID+OutputVariableSuffix] = out.Text
	}
}

// NewDefaultRegistry returns a registry with the built-in actions. gen may be
// nil, in which case generate_ai_response always answers with fallback.
func NewDefaultRegistry(gen Generator, fallback string) *Registry {
	r := NewRegistry()
	r.Register(GenerateAIResponse, NewAIResponseHandler(gen, fallback))
	r.Register(CalculateScore, ScoreHandler)
	r.Register(SetVariables, SetVariablesHandler)
	return r
}
