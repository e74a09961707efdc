package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

// RetryPrefix opens the message sent after an unrecognized choice.
const RetryPrefix = "Sorry, I didn't catch that. Please reply with one of the options below."

// Render formats a step result as plain message text. Choice prompts list each
// option with the reply that selects it. Failures and actions without output
// render as the empty string, which callers skip.
func Render(r flow.StepResult) string {
	switch r.Kind {
	case flow.ResultMessage:
		return r.Text
	case flow.ResultActionComplete:
		if r.Action == nil || r.Action.Output == nil {
			return ""
		}
		if s, ok := r.Action.Output.(string); ok {
			return s
		}
		return fmt.Sprint(r.Action.Output)
	case flow.ResultChoice:
		var b strings.Builder
		b.WriteString(r.Prompt)
		if len(r.Options) > 0 {
			b.WriteString("\n")
		}
		for _, opt := range r.Options {
			b.WriteString("\n• ")
			b.WriteString(opt.Label)
			if !strings.EqualFold(opt.Label, opt.Value) {
				fmt.Fprintf(&b, " (reply %q)", opt.Value)
			}
		}
		return b.String()
	default:
		return ""
	}
}

// RenderRetry formats the re-prompt sent after input matched no option of
// choice.
func RenderRetry(choice flow.StepResult) string {
	body := Render(choice)
	if body == "" {
		return RetryPrefix
	}
	return RetryPrefix + "\n\n" + body
}
