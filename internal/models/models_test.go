package models

import (
	"strings"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

func TestStartConversationRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  StartConversationRequest
		want error
	}{
		{"valid", StartConversationRequest{FlowID: "lead", Participant: "+15551234567"}, nil},
		{"missing flow", StartConversationRequest{Participant: "+1555"}, ErrEmptyFlowID},
		{"blank participant", StartConversationRequest{FlowID: "lead", Participant: "  "}, ErrEmptyParticipant},
		{"long input", StartConversationRequest{FlowID: "lead", Participant: "+1", InitialInput: strings.Repeat("x", MaxInputLength+1)}, ErrInputTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); err != tt.want {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAdvanceRequestValidate(t *testing.T) {
	if err := (&AdvanceRequest{Input: "a"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (&AdvanceRequest{Input: " \n"}).Validate(); err != ErrEmptyInput {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if err := (&AdvanceRequest{Input: strings.Repeat("y", MaxInputLength+1)}).Validate(); err != ErrInputTooLong {
		t.Errorf("expected ErrInputTooLong, got %v", err)
	}
}

func TestConversationClone(t *testing.T) {
	c := Conversation{ID: "c1", State: flow.NewState("s1")}
	c.State.Variables["k"] = "v"

	cp := c.Clone()
	cp.State.Variables["k"] = "changed"
	cp.State.History = append(cp.State.History, "s1")

	if c.State.Variables["k"] != "v" || len(c.State.History) != 0 {
		t.Errorf("clone shares state with original: %+v", c.State)
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Success(42); r.Status != "ok" || r.Result != 42 {
		t.Errorf("unexpected success response %+v", r)
	}
	if r := Error("boom"); r.Status != "error" || r.Message != "boom" || r.Result != nil {
		t.Errorf("unexpected error response %+v", r)
	}
	if r := SuccessWithMessage("done", nil); r.Message != "done" {
		t.Errorf("unexpected message response %+v", r)
	}
	if r := ErrorWithResult("bad", "details"); r.Status != "error" || r.Result != "details" {
		t.Errorf("unexpected error-with-result response %+v", r)
	}
}
