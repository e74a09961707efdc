package flow

import (
	"strings"
	"testing"
)

func codes(ws []Warning) map[WarningCode][]string {
	out := make(map[WarningCode][]string)
	for _, w := range ws {
		out[w.Code] = append(out[w.Code], w.StepID)
	}
	return out
}

func TestLint_CleanFlow(t *testing.T) {
	raw := `{"version":"1","startStepId":"q","steps":[
		{"id":"q","type":"choice","prompt":"Continue?","options":[
			{"value":"y","label":"Yes","next":"act"},
			{"value":"n","label":"No","next":null}]},
		{"id":"act","type":"action","actionName":"calculate_score","next":"q"}]}`
	def, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ws := Lint(def); len(ws) != 0 {
		t.Errorf("expected no warnings, got %+v", ws)
	}
}

func TestLint_Findings(t *testing.T) {
	var opts []string
	for i := 0; i < MaxChoiceOptions+1; i++ {
		opts = append(opts, `{"value":"v`+string(rune('a'+i))+`","label":"L`+string(rune('a'+i))+`","next":null}`)
	}
	raw := `{"version":"1","startStepId":"m","steps":[
		{"id":"m","type":"message","text":"Hi {{name}}","next":"c"},
		{"id":"c","type":"choice","prompt":"Pick","options":[` + strings.Join(opts, ",") + `,
			{"value":"z","label":"z","next":"long"}]},
		{"id":"long","type":"message","text":"` + strings.Repeat("x", MaxMessageLength+1) + `","next":"end"},
		{"id":"end","type":"action","actionName":"generate_ai_response"},
		{"id":"orphan","type":"message","text":"alone","next":null}]}`
	def, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := codes(Lint(def))

	expect := map[WarningCode]string{
		WarnTemplateVariables: "m",
		WarnTooManyOptions:    "c",
		WarnShortOptionLabel:  "c",
		WarnLongMessage:       "long",
		WarnTerminalAction:    "end",
		WarnUnreachableStep:   "orphan",
		WarnDeadEnd:           "orphan",
	}
	for code, step := range expect {
		ids := got[code]
		if len(ids) != 1 || ids[0] != step {
			t.Errorf("%s: expected [%s], got %v", code, step, ids)
		}
	}
}

func TestLint_CountsCharactersNotBytes(t *testing.T) {
	raw := `{"version":"1","startStepId":"m","steps":[
		{"id":"m","type":"message","text":"` + strings.Repeat("ç", MaxMessageLength) + `","next":"c"},
		{"id":"c","type":"choice","prompt":"Pick","options":[
			{"value":"s","label":"Sé","next":"m"},
			{"value":"n","label":"日本","next":null}]}]}`
	def, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := codes(Lint(def))
	if ids := got[WarnLongMessage]; len(ids) != 0 {
		t.Errorf("message of %d characters should not be long, got %v", MaxMessageLength, ids)
	}
	if ids := got[WarnShortOptionLabel]; len(ids) != 0 {
		t.Errorf("two character labels should not be short, got %v", ids)
	}

	long := strings.Replace(raw, strings.Repeat("ç", MaxMessageLength), strings.Repeat("ç", MaxMessageLength+1), 1)
	if def, err = Parse([]byte(long)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids := codes(Lint(def))[WarnLongMessage]; len(ids) != 1 || ids[0] != "m" {
		t.Errorf("expected long message warning on m, got %v", ids)
	}
}

func TestInterpolate(t *testing.T) {
	vars := map[string]string{"name": "Ana", "score": "70"}
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"Hi {{name}}", "Hi Ana"},
		{"{{ name }} scored {{score}}", "Ana scored 70"},
		{"Hi {{unknown}}", "Hi {{unknown}}"},
		{"{{name}}{{name}}", "AnaAna"},
	}
	for _, tt := range tests {
		if got := Interpolate(tt.in, vars); got != tt.want {
			t.Errorf("Interpolate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := Interpolate("Hi {{name}}", nil); got != "Hi {{name}}" {
		t.Errorf("nil vars should leave placeholders, got %q", got)
	}
}

func TestPlaceholders(t *testing.T) {
	got := placeholders("{{a}} and {{ b }} and {{a}}")
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("unexpected placeholders %v", got)
	}
}
