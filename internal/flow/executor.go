package flow

import (
	"fmt"
	"maps"
	"strings"
)

// LabelVariableSuffix is appended to a choice step id to name the variable
// holding the selected option's label.
const LabelVariableSuffix = "_text"

// Present renders a step for the user without consuming any input. Choice
// steps reached by auto-chaining, or used as the start step, are presented
// this way.
func Present(step Step, state State) StepResult {
	switch s := step.(type) {
	case *MessageStep:
		return MessageResult(s.ID, Interpolate(s.Text, state.Variables))
	case *ChoiceStep:
		return choiceResult(s, state)
	case *ActionStep:
		return ActionResult(ActionIntent{StepID: s.ID, Name: s.ActionName, Params: maps.Clone(s.Params)})
	default:
		return unsupported(step)
	}
}

// Execute runs a step against the user's input and returns its result.
// Message and action steps ignore input. A choice step whose input matches no
// option yields an ErrUnrecognizedChoice failure.
func Execute(step Step, input string, state State) StepResult {
	switch s := step.(type) {
	case *MessageStep, *ActionStep:
		return Present(s, state)
	case *ChoiceStep:
		if _, ok := MatchOption(s, input); !ok {
			return FailureResult(&ExecError{Kind: ErrUnrecognizedChoice, StepID: s.ID, Input: input})
		}
		return choiceResult(s, state)
	default:
		return unsupported(step)
	}
}

// NextState returns the state after executing step with input. The given state
// is never modified. When a choice input matches no option the returned state
// equals the input state.
func NextState(step Step, input string, state State) State {
	next := state.Clone()
	switch s := step.(type) {
	case *MessageStep:
		next.History = append(next.History, s.ID)
		next.CurrentStepID = s.Next
	case *ActionStep:
		next.History = append(next.History, s.ID)
		next.CurrentStepID = s.Next
	case *ChoiceStep:
		opt, ok := MatchOption(s, input)
		if !ok {
			return next
		}
		next.Variables[s.ID] = opt.Value
		next.Variables[s.ID+LabelVariableSuffix] = opt.Label
		next.Responses[s.ID] = input
		next.History = append(next.History, s.ID)
		next.CurrentStepID = opt.Next
	}
	return next
}

// MatchOption resolves a reply against a choice step. The trimmed input is
// first compared exactly against option values, then case-insensitively
// against option labels. The first match in declaration order wins.
func MatchOption(step *ChoiceStep, input string) (Option, bool) {
	in := strings.TrimSpace(input)
	if in == "" {
		return Option{}, false
	}
	for _, opt := range step.Options {
		if opt.Value == in {
			return opt, true
		}
	}
	for _, opt := range step.Options {
		if strings.EqualFold(strings.TrimSpace(opt.Label), in) {
			return opt, true
		}
	}
	return Option{}, false
}

func choiceResult(s *ChoiceStep, state State) StepResult {
	opts := make([]OptionView, len(s.Options))
	for i, opt := range s.Options {
		opts[i] = OptionView{Value: opt.Value, Label: Interpolate(opt.Label, state.Variables)}
	}
	return ChoiceResult(s.ID, Interpolate(s.Prompt, state.Variables), opts)
}

func unsupported(step Step) StepResult {
	var id string
	if step != nil {
		id = step.StepID()
	}
	return FailureResult(&ExecError{Kind: fmt.Errorf("%w: %T", ErrUnsupportedStep, step), StepID: id})
}
