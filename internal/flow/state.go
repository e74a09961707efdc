package flow

import "maps"

// State is the mutable per-conversation record driving execution.
// CurrentStepID is empty once the conversation has reached a terminal.
type State struct {
	CurrentStepID string            `json:"currentStepId"`
	Variables     map[string]string `json:"variables"`
	Responses     map[string]string `json:"responses"`
	History       []string          `json:"history"`
}

// NewState returns an empty state positioned at startStepID.
func NewState(startStepID string) State {
	return State{
		CurrentStepID: startStepID,
		Variables:     make(map[string]string),
		Responses:     make(map[string]string),
		History:       []string{},
	}
}

// Clone returns a deep copy so the result never aliases the receiver's maps
// or history slice.
func (s State) Clone() State {
	out := State{
		CurrentStepID: s.CurrentStepID,
		Variables:     maps.Clone(s.Variables),
		Responses:     maps.Clone(s.Responses),
		History:       append([]string{}, s.History...),
	}
	if out.Variables == nil {
		out.Variables = make(map[string]string)
	}
	if out.Responses == nil {
		out.Responses = make(map[string]string)
	}
	return out
}

// Completed reports whether the state has reached a terminal.
func (s State) Completed() bool {
	return s.CurrentStepID == ""
}
