package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

// DefaultSystemPrompt is used when a generate_ai_response step sets no
// system_prompt parameter.
const DefaultSystemPrompt = "You are a friendly, professional assistant qualifying a lead over WhatsApp. " +
	"Reply in at most three short sentences. Never quote exact prices and never ask for documents or medical data."

// Score rules.
const (
	PointsPerResponse = 10
	MaxScore          = 100
)

// Generator produces text from a system and a user prompt.
type Generator interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewAIResponseHandler returns the generate_ai_response handler. It prompts
// gen with the conversation so far and answers with fallback when gen is nil,
// fails or returns nothing.
//
// Recognized params: system_prompt, instructions. Both may use {{var}}
// placeholders.
func NewAIResponseHandler(gen Generator, fallback string) Handler {
	return func(ctx context.Context, req Request) (Output, error) {
		text := fallback
		if gen != nil {
			system := stringParam(req.Intent.Params, "system_prompt", DefaultSystemPrompt)
			system = flow.Interpolate(system, req.State.Variables)
			user := BuildContext(req.State, stringParam(req.Intent.Params, "instructions", ""))

			generated, err := gen.GeneratePrompt(ctx, system, user)
			switch {
			case err != nil:
				slog.Warn("generate_ai_response failed, using fallback", "step", req.Intent.StepID, "participant", req.Participant, "error", err)
			case strings.TrimSpace(generated) == "":
				slog.Warn("generate_ai_response returned empty text, using fallback", "step", req.Intent.StepID)
			default:
				text = strings.TrimSpace(generated)
			}
		}
		if text == "" {
			return Output{}, nil
		}
		return Output{Text: text, Variables: map[string]string{LastAIResponseVar: text}}, nil
	}
}

// BuildContext renders the conversation state as the user prompt for
// generation: answers in the order they were given, then known variables,
// then the step's instructions.
func BuildContext(state flow.State, instructions string) string {
	var b strings.Builder

	b.WriteString("Conversation so far:\n")
	answered := 0
	seen := make(map[string]bool, len(state.History))
	for _, id := range state.History {
		if resp, ok := state.Responses[id]; ok && !seen[id] {
			seen[id] = true
			answered++
			fmt.Fprintf(&b, "- %s: %s\n", id, resp)
		}
	}
	// Responses recorded outside the history, such as the opening message.
	var rest []string
	for id := range state.Responses {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		answered++
		fmt.Fprintf(&b, "- %s: %s\n", id, state.Responses[id])
	}
	if answered == 0 {
		b.WriteString("(no answers yet)\n")
	}

	if len(state.Variables) > 0 {
		keys := make([]string, 0, len(state.Variables))
		for k := range state.Variables {
			if k == LastAIResponseVar || strings.HasSuffix(k, OutputVariableSuffix) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			b.WriteString("\nKnown details:\n")
			for _, k := range keys {
				fmt.Fprintf(&b, "- %s: %s\n", k, state.Variables[k])
			}
		}
	}

	if instructions = strings.TrimSpace(flow.Interpolate(instructions, state.Variables)); instructions != "" {
		b.WriteString("\nInstructions: ")
		b.WriteString(instructions)
		b.WriteString("\n")
	}
	return b.String()
}

// ScoreHandler implements calculate_score: PointsPerResponse for every
// recorded response, plus params.rules[stepId] points for each answered step,
// capped at MaxScore. The result is stored in the score variable.
func ScoreHandler(_ context.Context, req Request) (Output, error) {
	score := len(req.State.Responses) * PointsPerResponse

	if raw, ok := req.Intent.Params["rules"]; ok {
		rules, ok := raw.(map[string]any)
		if !ok {
			return Output{}, fmt.Errorf("rules must be an object, got %T", raw)
		}
		for stepID, v := range rules {
			if req.State.Responses[stepID] == "" {
				continue
			}
			points, err := toInt(v)
			if err != nil {
				return Output{}, fmt.Errorf("rule %q: %w", stepID, err)
			}
			score += points
		}
	}
	score = min(score, MaxScore)

	slog.Debug("calculate_score computed", "step", req.Intent.StepID, "participant", req.Participant, "score", score)
	return Output{Variables: map[string]string{ScoreVar: strconv.Itoa(score)}}, nil
}

// SetVariablesHandler implements set_variables: every param becomes a
// variable. String values may use {{var}} placeholders.
func SetVariablesHandler(_ context.Context, req Request) (Output, error) {
	vars := make(map[string]string, len(req.Intent.Params))
	for k, v := range req.Intent.Params {
		switch val := v.(type) {
		case string:
			vars[k] = flow.Interpolate(val, req.State.Variables)
		case nil:
			vars[k] = ""
		case map[string]any, []any:
			return Output{}, fmt.Errorf("variable %q must be a scalar, got %T", k, v)
		default:
			vars[k] = fmt.Sprint(val)
		}
	}
	return Output{Variables: vars}, nil
}

func stringParam(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("points must be a number, got %T", v)
	}
}
