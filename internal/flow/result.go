package flow

// ResultKind identifies which shape a StepResult carries.
type ResultKind string

// Result kinds.
const (
	ResultMessage        ResultKind = "message"
	ResultChoice         ResultKind = "choice"
	ResultActionComplete ResultKind = "action_complete"
	ResultFailure        ResultKind = "failure"
)

// OptionView is the user-facing part of an Option.
type OptionView struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ActionIntent asks the caller to perform a named action. Output is filled in
// by the caller once the action has run; the engine always leaves it nil.
type ActionIntent struct {
	StepID string         `json:"stepId"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
	Output any            `json:"output,omitempty"`
}

// StepResult is the outcome of executing one step. Exactly one of the payloads
// matching Kind is set; use the constructors below.
type StepResult struct {
	Kind    ResultKind    `json:"kind"`
	StepID  string        `json:"stepId,omitempty"`
	Text    string        `json:"text,omitempty"`
	Prompt  string        `json:"prompt,omitempty"`
	Options []OptionView  `json:"options,omitempty"`
	Action  *ActionIntent `json:"action,omitempty"`
	Err     error         `json:"-"`
}

// MessageResult builds a message result.
func MessageResult(stepID, text string) StepResult {
	return StepResult{Kind: ResultMessage, StepID: stepID, Text: text}
}

// ChoiceResult builds a choice result.
func ChoiceResult(stepID, prompt string, options []OptionView) StepResult {
	return StepResult{Kind: ResultChoice, StepID: stepID, Prompt: prompt, Options: options}
}

// ActionResult builds an action-complete result.
func ActionResult(intent ActionIntent) StepResult {
	return StepResult{Kind: ResultActionComplete, StepID: intent.StepID, Action: &intent}
}

// FailureResult builds a failure result.
func FailureResult(err error) StepResult {
	var stepID string
	if ee, ok := err.(*ExecError); ok {
		stepID = ee.StepID
	}
	return StepResult{Kind: ResultFailure, StepID: stepID, Err: err}
}

// Failed reports whether r is a failure result.
func (r StepResult) Failed() bool {
	return r.Kind == ResultFailure
}
