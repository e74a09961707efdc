// Package flow implements the conversation flow engine: a declarative step graph
// that is parsed, validated and executed turn by turn against conversation state.
//
// The engine is pure. It performs no I/O and keeps no global registry; callers
// own flow lookup, persistence, generation and delivery.
package flow

import "encoding/json"

// StepType is the discriminator used in flow documents.
type StepType string

// Step type constants.
const (
	StepTypeMessage StepType = "message"
	StepTypeChoice  StepType = "choice"
	StepTypeAction  StepType = "action"
)

// Definition is a parsed, versioned flow document. It is treated as read-only
// once constructed.
type Definition struct {
	Version     string `json:"version"`
	StartStepID string `json:"startStepId"`
	Steps       []Step `json:"steps"`
}

// Step is one node of the flow graph. The set of implementations is closed:
// *MessageStep, *ChoiceStep and *ActionStep.
type Step interface {
	StepID() string
	Type() StepType
	// Targets returns every non-terminal transition target in declaration order.
	Targets() []string
	step()
}

// MessageStep emits literal text and moves on unconditionally.
type MessageStep struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Next string `json:"-"` // empty for terminal
}

// ChoiceStep presents a prompt and waits for the user to pick an option.
type ChoiceStep struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options"`
}

// Option is one selectable answer of a ChoiceStep.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Next  string `json:"-"` // empty for terminal
}

// ActionStep names an external side-effecting operation performed by the caller.
type ActionStep struct {
	ID         string         `json:"id"`
	ActionName string         `json:"actionName"`
	Params     map[string]any `json:"params,omitempty"`
	Next       string         `json:"-"` // empty for terminal
}

func (s *MessageStep) StepID() string { return s.ID }
func (s *ChoiceStep) StepID() string  { return s.ID }
func (s *ActionStep) StepID() string  { return s.ID }

func (s *MessageStep) Type() StepType { return StepTypeMessage }
func (s *ChoiceStep) Type() StepType  { return StepTypeChoice }
func (s *ActionStep) Type() StepType  { return StepTypeAction }

func (s *MessageStep) Targets() []string { return nonEmpty(s.Next) }
func (s *ActionStep) Targets() []string  { return nonEmpty(s.Next) }

func (s *ChoiceStep) Targets() []string {
	var targets []string
	for _, opt := range s.Options {
		if opt.Next != "" {
			targets = append(targets, opt.Next)
		}
	}
	return targets
}

func (*MessageStep) step() {}
func (*ChoiceStep) step()  {}
func (*ActionStep) step()  {}

// MarshalJSON renders the step in flow document form, terminal next as null.
func (s *MessageStep) MarshalJSON() ([]byte, error) {
	type plain MessageStep
	return json.Marshal(struct {
		Type StepType `json:"type"`
		*plain
		Next *string `json:"next"`
	}{StepTypeMessage, (*plain)(s), nextJSON(s.Next)})
}

// MarshalJSON renders the step in flow document form.
func (s *ChoiceStep) MarshalJSON() ([]byte, error) {
	type plain ChoiceStep
	return json.Marshal(struct {
		Type StepType `json:"type"`
		*plain
	}{StepTypeChoice, (*plain)(s)})
}

// MarshalJSON renders the step in flow document form, terminal next as null.
func (s *ActionStep) MarshalJSON() ([]byte, error) {
	type plain ActionStep
	return json.Marshal(struct {
		Type StepType `json:"type"`
		*plain
		Next *string `json:"next"`
	}{StepTypeAction, (*plain)(s), nextJSON(s.Next)})
}

// MarshalJSON renders the option with its next target, terminal as null.
func (o Option) MarshalJSON() ([]byte, error) {
	type plain Option
	return json.Marshal(struct {
		plain
		Next *string `json:"next"`
	}{plain(o), nextJSON(o.Next)})
}

func nextJSON(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// waitsForInput reports whether execution must stop at this step until the
// user replies.
func waitsForInput(s Step) bool {
	_, ok := s.(*ChoiceStep)
	return ok
}

func nonEmpty(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}
