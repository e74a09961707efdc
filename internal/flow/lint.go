package flow

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// WarningCode identifies a non-fatal authoring issue.
type WarningCode string

// Warning codes.
const (
	WarnUnreachableStep   WarningCode = "UNREACHABLE_STEP"
	WarnDeadEnd           WarningCode = "DEAD_END"
	WarnTerminalAction    WarningCode = "TERMINAL_ACTION"
	WarnLongMessage       WarningCode = "LONG_MESSAGE"
	WarnTemplateVariables WarningCode = "TEMPLATE_VARIABLES"
	WarnTooManyOptions    WarningCode = "TOO_MANY_OPTIONS"
	WarnShortOptionLabel  WarningCode = "SHORT_OPTION_LABEL"
)

// Lint thresholds.
const (
	MaxMessageLength   = 1000
	MaxChoiceOptions   = 10
	MinOptionLabelSize = 2
)

// Warning is a non-fatal finding about a flow definition.
type Warning struct {
	Code    WarningCode `json:"code"`
	StepID  string      `json:"stepId"`
	Message string      `json:"message"`
}

// Lint reports authoring issues that do not prevent a flow from running.
// It tolerates definitions that failed validation.
func Lint(def *Definition) []Warning {
	var warnings []Warning
	add := func(code WarningCode, stepID, format string, args ...any) {
		warnings = append(warnings, Warning{Code: code, StepID: stepID, Message: fmt.Sprintf(format, args...)})
	}

	reachable := reachableFrom(def)
	for _, s := range def.Steps {
		id := s.StepID()
		if !reachable[id] {
			add(WarnUnreachableStep, id, "step %q is not reachable from the start", id)
		}
		switch st := s.(type) {
		case *MessageStep:
			if st.Next == "" {
				add(WarnDeadEnd, id, "step %q ends the conversation", id)
			}
			if n := utf8.RuneCountInString(st.Text); n > MaxMessageLength {
				add(WarnLongMessage, id, "step %q has a %d character message", id, n)
			}
			if vars := placeholders(st.Text); len(vars) > 0 {
				add(WarnTemplateVariables, id, "step %q uses variables %s", id, strings.Join(vars, ", "))
			}
		case *ChoiceStep:
			if len(st.Options) > MaxChoiceOptions {
				add(WarnTooManyOptions, id, "step %q has %d options", id, len(st.Options))
			}
			for _, opt := range st.Options {
				if utf8.RuneCountInString(opt.Label) < MinOptionLabelSize {
					add(WarnShortOptionLabel, id, "step %q has a very short option label %q", id, opt.Label)
				}
			}
			if vars := placeholders(st.Prompt); len(vars) > 0 {
				add(WarnTemplateVariables, id, "step %q uses variables %s", id, strings.Join(vars, ", "))
			}
		case *ActionStep:
			if st.Next == "" {
				add(WarnTerminalAction, id, "action step %q has no continuation", id)
			}
		}
	}
	return warnings
}

func reachableFrom(def *Definition) map[string]bool {
	index := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		if _, ok := index[s.StepID()]; !ok {
			index[s.StepID()] = s
		}
	}
	seen := make(map[string]bool, len(index))
	stack := []string{def.StartStepID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s, ok := index[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, s.Targets()...)
	}
	return seen
}
