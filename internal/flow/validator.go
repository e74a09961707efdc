package flow

import (
	"log/slog"
	"strings"
)

// Flow is a validated, indexed flow definition. It is immutable and safe to
// share between goroutines and conversations.
type Flow struct {
	def   *Definition
	index map[string]Step
}

// Validate checks referential integrity of a parsed definition and returns the
// indexed Flow. Failures are *ValidationError.
//
// Steps that cannot be reached from the start step are accepted: flows may
// carry shared step libraries. Only referenced-but-missing targets are fatal.
func Validate(def *Definition) (*Flow, error) {
	index := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		if _, dup := index[s.StepID()]; dup {
			return nil, &ValidationError{Kind: ErrDuplicateStepID, StepID: s.StepID()}
		}
		index[s.StepID()] = s
	}

	if _, ok := index[def.StartStepID]; !ok {
		return nil, &ValidationError{Kind: ErrUnknownStartStep, StepID: def.StartStepID}
	}

	for _, s := range def.Steps {
		for _, target := range s.Targets() {
			if _, ok := index[target]; !ok {
				return nil, &ValidationError{Kind: ErrDanglingReference, StepID: s.StepID(), Target: target}
			}
		}
		if c, ok := s.(*ChoiceStep); ok {
			seen := make(map[string]struct{}, len(c.Options))
			for _, opt := range c.Options {
				if _, dup := seen[opt.Value]; dup {
					return nil, &ValidationError{Kind: ErrDuplicateOptionValue, StepID: c.ID, Target: opt.Value}
				}
				seen[opt.Value] = struct{}{}
			}
		}
	}

	if cycle := findInputlessCycle(def, index); cycle != nil {
		return nil, &ValidationError{Kind: ErrInputlessCycle, StepID: cycle[0], Target: strings.Join(cycle, " -> ")}
	}

	slog.Debug("flow.Validate succeeded", "version", def.Version, "steps", len(index))
	return &Flow{def: def, index: index}, nil
}

// Load parses and validates a raw flow document in one call.
func Load(raw []byte) (*Flow, error) {
	def, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Validate(def)
}

// Step looks up a step by id.
func (f *Flow) Step(id string) (Step, bool) {
	s, ok := f.index[id]
	return s, ok
}

// StartStepID returns the entry step id.
func (f *Flow) StartStepID() string { return f.def.StartStepID }

// Version returns the document version.
func (f *Flow) Version() string { return f.def.Version }

// Definition returns the underlying definition. Callers must not modify it.
func (f *Flow) Definition() *Definition { return f.def }

// Len returns the number of steps.
func (f *Flow) Len() int { return len(f.def.Steps) }

// findInputlessCycle returns the first cycle made only of message and action
// steps, or nil. Such a cycle would auto-chain forever.
func findInputlessCycle(def *Definition, index map[string]Step) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	color := make(map[string]int, len(index))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		s := index[id]
		if waitsForInput(s) {
			// Choice steps break any chain; their outgoing edges start new walks.
			return nil
		}
		switch color[id] {
		case onStack:
			for i, p := range path {
				if p == id {
					return append(append([]string{}, path[i:]...), id)
				}
			}
		case done:
			return nil
		}
		color[id] = onStack
		path = append(path, id)
		for _, next := range s.Targets() {
			if cycle := visit(next); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		color[id] = done
		return nil
	}

	for _, s := range def.Steps {
		if cycle := visit(s.StepID()); cycle != nil {
			return cycle
		}
	}
	return nil
}
