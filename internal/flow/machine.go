package flow

import "log/slog"

// Turn is the outcome of Start or Advance.
type Turn struct {
	// State is the state to persist. On failure it equals the input state.
	State State
	// Result is the outcome of the last step processed this turn.
	Result StepResult
	// Emitted holds, in order, the results of every step executed for the
	// user this turn: auto-chained messages, action intents and the choice
	// prompt the turn stopped at. The echo of an accepted choice is not
	// included, and Emitted is empty on failure.
	Emitted []StepResult
	// Complete is true once a terminal has been reached.
	Complete bool
}

// StartOption customizes Start.
type StartOption func(*startOpts)

type startOpts struct {
	initialInput string
	variables    map[string]string
}

// WithInitialInput records the message that opened the conversation as the
// response to the start step.
func WithInitialInput(input string) StartOption {
	return func(o *startOpts) { o.initialInput = input }
}

// WithVariables seeds the conversation variables, e.g. the lead's name for
// {{name}} placeholders.
func WithVariables(vars map[string]string) StartOption {
	return func(o *startOpts) { o.variables = vars }
}

// Start begins a conversation at the flow's start step and auto-chains until
// it reaches a choice step or a terminal. The start step needs no input.
func Start(f *Flow, opts ...StartOption) Turn {
	var cfg startOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	state := NewState(f.StartStepID())
	for k, v := range cfg.variables {
		state.Variables[k] = v
	}
	if cfg.initialInput != "" {
		state.Responses[f.StartStepID()] = cfg.initialInput
	}

	slog.Debug("flow.Start invoked", "version", f.Version(), "start", f.StartStepID())
	return chain(f, state, state, nil)
}

// Advance processes one user turn: it executes the current step against input
// and then auto-chains through message and action steps until a choice step
// or a terminal is reached.
//
// An unrecognized choice returns a failure result with the state unchanged so
// the caller can re-prompt. A reference to a step missing from the flow is a
// fatal failure and likewise leaves the state unchanged. Callers must not
// advance a conversation after a turn reported Complete.
func Advance(f *Flow, state State, input string) Turn {
	if state.Completed() {
		return failed(state, &ExecError{Kind: ErrConversationEnded}, true)
	}
	step, ok := f.Step(state.CurrentStepID)
	if !ok {
		slog.Debug("flow.Advance unknown current step", "step", state.CurrentStepID)
		return failed(state, &ExecError{Kind: ErrUnknownStep, StepID: state.CurrentStepID}, false)
	}

	result := Execute(step, input, state)
	if result.Failed() {
		slog.Debug("flow.Advance step failed", "step", step.StepID(), "error", result.Err)
		return failed(state, result.Err, false)
	}

	next := NextState(step, input, state)
	var emitted []StepResult
	if !waitsForInput(step) {
		// A message or action step left pending by an earlier turn.
		emitted = append(emitted, result)
	}
	turn := chain(f, state, next, emitted)
	if len(turn.Emitted) == 0 && !turn.Result.Failed() {
		turn.Result = result
	}
	slog.Debug("flow.Advance completed", "from", state.CurrentStepID, "to", turn.State.CurrentStepID, "complete", turn.Complete)
	return turn
}

// chain auto-executes steps from cur until one waits for input or a terminal
// is reached. original is returned untouched if the chain fails.
func chain(f *Flow, original, cur State, emitted []StepResult) Turn {
	limit := f.Len() + 1
	for steps := 0; !cur.Completed(); steps++ {
		if steps >= limit {
			return failed(original, &ExecError{Kind: ErrChainLimit, StepID: cur.CurrentStepID}, false)
		}
		step, ok := f.Step(cur.CurrentStepID)
		if !ok {
			return failed(original, &ExecError{Kind: ErrUnknownStep, StepID: cur.CurrentStepID}, false)
		}
		result := Present(step, cur)
		if result.Failed() {
			return failed(original, result.Err, false)
		}
		emitted = append(emitted, result)
		if waitsForInput(step) {
			break
		}
		cur = NextState(step, "", cur)
	}

	turn := Turn{State: cur, Emitted: emitted, Complete: cur.Completed()}
	if len(emitted) > 0 {
		turn.Result = emitted[len(emitted)-1]
	}
	return turn
}

func failed(state State, err error, complete bool) Turn {
	return Turn{State: state.Clone(), Result: FailureResult(err), Complete: complete}
}
