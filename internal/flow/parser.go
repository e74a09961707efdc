package flow

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"
)

// Flow document field names.
const (
	fieldVersion     = "version"
	fieldStartStepID = "startStepId"
	fieldSteps       = "steps"
	fieldID          = "id"
	fieldType        = "type"
	fieldText        = "text"
	fieldNext        = "next"
	fieldPrompt      = "prompt"
	fieldOptions     = "options"
	fieldValue       = "value"
	fieldLabel       = "label"
	fieldActionName  = "actionName"
	fieldParams      = "params"
)

// ParseDocument parses an already-decoded document (for example the result of
// json.Unmarshal into any).
func ParseDocument(doc any) (*Definition, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &ParseError{Kind: ErrInvalidType, Index: -1}
	}
	return Parse(raw)
}

// Parse checks a raw flow document against the structural rules and builds a
// Definition. It never panics on malformed input; every failure is a
// *ParseError.
func Parse(raw []byte) (*Definition, error) {
	if !gjson.ValidBytes(raw) {
		slog.Debug("flow.Parse invalid JSON", "bytes", len(raw))
		return nil, &ParseError{Kind: ErrInvalidType, Index: -1}
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, &ParseError{Kind: ErrInvalidType, Index: -1}
	}

	version, err := requireString(doc, fieldVersion, "", -1)
	if err != nil {
		return nil, err
	}
	start, err := requireString(doc, fieldStartStepID, "", -1)
	if err != nil {
		return nil, err
	}

	steps := doc.Get(fieldSteps)
	if !steps.Exists() {
		return nil, &ParseError{Kind: ErrMissingField, Field: fieldSteps, Index: -1}
	}
	if !steps.IsArray() {
		return nil, &ParseError{Kind: ErrInvalidType, Field: fieldSteps, Index: -1}
	}
	items := steps.Array()
	if len(items) == 0 {
		return nil, &ParseError{Kind: ErrEmptyCollection, Field: fieldSteps, Index: -1}
	}

	def := &Definition{
		Version:     version,
		StartStepID: start,
		Steps:       make([]Step, 0, len(items)),
	}
	for i, item := range items {
		s, err := parseStep(item, i)
		if err != nil {
			slog.Debug("flow.Parse step rejected", "index", i, "error", err)
			return nil, err
		}
		def.Steps = append(def.Steps, s)
	}

	slog.Debug("flow.Parse succeeded", "version", def.Version, "steps", len(def.Steps))
	return def, nil
}

func parseStep(item gjson.Result, index int) (Step, error) {
	if !item.IsObject() {
		return nil, &ParseError{Kind: ErrInvalidType, Index: index}
	}
	id, err := requireString(item, fieldID, "", index)
	if err != nil {
		return nil, err
	}
	typ, err := requireString(item, fieldType, id, index)
	if err != nil {
		return nil, err
	}

	switch StepType(typ) {
	case StepTypeMessage:
		text, err := requireString(item, fieldText, id, index)
		if err != nil {
			return nil, err
		}
		next, err := optionalNext(item, id, index)
		if err != nil {
			return nil, err
		}
		return &MessageStep{ID: id, Text: text, Next: next}, nil

	case StepTypeChoice:
		return parseChoice(item, id, index)

	case StepTypeAction:
		name, err := requireString(item, fieldActionName, id, index)
		if err != nil {
			return nil, err
		}
		next, err := optionalNext(item, id, index)
		if err != nil {
			return nil, err
		}
		params, err := optionalParams(item, id, index)
		if err != nil {
			return nil, err
		}
		return &ActionStep{ID: id, ActionName: name, Params: params, Next: next}, nil

	default:
		return nil, &ParseError{Kind: ErrInvalidType, Field: fieldType, StepID: id, Index: index}
	}
}

func parseChoice(item gjson.Result, id string, index int) (Step, error) {
	prompt, err := requireString(item, fieldPrompt, id, index)
	if err != nil {
		return nil, err
	}
	opts := item.Get(fieldOptions)
	if !opts.Exists() {
		return nil, &ParseError{Kind: ErrMissingField, Field: fieldOptions, StepID: id, Index: index}
	}
	if !opts.IsArray() {
		return nil, &ParseError{Kind: ErrInvalidType, Field: fieldOptions, StepID: id, Index: index}
	}
	list := opts.Array()
	if len(list) == 0 {
		return nil, &ParseError{Kind: ErrEmptyCollection, Field: fieldOptions, StepID: id, Index: index}
	}

	step := &ChoiceStep{ID: id, Prompt: prompt, Options: make([]Option, 0, len(list))}
	for _, o := range list {
		if !o.IsObject() {
			return nil, &ParseError{Kind: ErrInvalidType, Field: fieldOptions, StepID: id, Index: index}
		}
		value, err := requireString(o, fieldValue, id, index)
		if err != nil {
			return nil, err
		}
		label, err := requireString(o, fieldLabel, id, index)
		if err != nil {
			return nil, err
		}
		// Unlike message and action steps, an option must spell out its next
		// target, even when it is null.
		if !o.Get(fieldNext).Exists() {
			return nil, &ParseError{Kind: ErrMissingField, Field: fieldOptions + "." + fieldNext, StepID: id, Index: index}
		}
		next, err := optionalNext(o, id, index)
		if err != nil {
			return nil, err
		}
		step.Options = append(step.Options, Option{Value: value, Label: label, Next: next})
	}
	return step, nil
}

// requireString returns the non-empty string at key.
func requireString(obj gjson.Result, key, stepID string, index int) (string, error) {
	v := obj.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return "", &ParseError{Kind: ErrMissingField, Field: key, StepID: stepID, Index: index}
	}
	if v.Type != gjson.String {
		return "", &ParseError{Kind: ErrInvalidType, Field: key, StepID: stepID, Index: index}
	}
	if v.Str == "" {
		return "", &ParseError{Kind: ErrMissingField, Field: key, StepID: stepID, Index: index}
	}
	return v.Str, nil
}

// optionalNext reads a next target; null or absent means terminal.
func optionalNext(obj gjson.Result, stepID string, index int) (string, error) {
	v := obj.Get(fieldNext)
	switch {
	case !v.Exists(), v.Type == gjson.Null:
		return "", nil
	case v.Type != gjson.String:
		return "", &ParseError{Kind: ErrInvalidType, Field: fieldNext, StepID: stepID, Index: index}
	case v.Str == "":
		return "", &ParseError{Kind: ErrMissingField, Field: fieldNext, StepID: stepID, Index: index}
	}
	return v.Str, nil
}

func optionalParams(obj gjson.Result, stepID string, index int) (map[string]any, error) {
	v := obj.Get(fieldParams)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsObject() {
		return nil, &ParseError{Kind: ErrInvalidType, Field: fieldParams, StepID: stepID, Index: index}
	}
	params, _ := v.Value().(map[string]any)
	return params, nil
}
