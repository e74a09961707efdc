package flow

import "testing"

// scenarioFlow is the s1/s2/s3 lead qualification scenario.
const scenarioFlow = `{
  "version": "1.0",
  "startStepId": "s1",
  "steps": [
    {"id": "s1", "type": "message", "text": "Hi", "next": "s2"},
    {"id": "s2", "type": "choice", "prompt": "A or B?", "options": [
      {"value": "a", "label": "Option A", "next": "s3"},
      {"value": "b", "label": "Option B", "next": null}
    ]},
    {"id": "s3", "type": "message", "text": "You chose A", "next": null}
  ]
}`

// chainFlow is message(A) -> action(B) -> message(C) -> choice(D) -> terminal.
const chainFlow = `{
  "version": "2.0",
  "startStepId": "A",
  "steps": [
    {"id": "A", "type": "message", "text": "Welcome {{name}}", "next": "B"},
    {"id": "B", "type": "action", "actionName": "generate_ai_response", "params": {"tone": "warm"}, "next": "C"},
    {"id": "C", "type": "message", "text": "One more question", "next": "D"},
    {"id": "D", "type": "choice", "prompt": "Ready?", "options": [
      {"value": "yes", "label": "Yes", "next": null},
      {"value": "no", "label": "Not yet", "next": null}
    ]}
  ]
}`

func mustLoad(t *testing.T, raw string) *Flow {
	t.Helper()
	f, err := Load([]byte(raw))
	if err != nil {
		t.Fatalf("failed to load flow: %v", err)
	}
	return f
}

func mustStep(t *testing.T, f *Flow, id string) Step {
	t.Helper()
	s, ok := f.Step(id)
	if !ok {
		t.Fatalf("step %q not found", id)
	}
	return s
}
