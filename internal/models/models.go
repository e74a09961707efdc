// Package models defines the data structures shared between FlowPipe's
// store, transport, orchestration and HTTP layers.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

// Validation limits for API input.
const (
	// MaxInputLength is the longest user reply accepted by the API.
	MaxInputLength = 4096
	// MaxFlowDocumentSize bounds the size of a published flow document.
	MaxFlowDocumentSize = 1 << 20
)

var (
	ErrEmptyFlowID      = errors.New("flow id cannot be empty")
	ErrEmptyParticipant = errors.New("participant cannot be empty")
	ErrEmptyInput       = errors.New("input cannot be empty")
	ErrInputTooLong     = errors.New("input exceeds maximum length")
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt records the delivery status of an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a participant.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
	// MessageID is the provider's id for the inbound message, when known.
	MessageID string `json:"message_id,omitempty"`
}

// ConversationStatus is the lifecycle label of a conversation. Abandonment is
// applied from outside the engine by the idle sweep.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationAbandoned ConversationStatus = "abandoned"
)

// FlowRecord is one stored version of a flow document. Exactly one version per
// flow id is active and used for new conversations.
type FlowRecord struct {
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	Document  json.RawMessage `json:"document"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// Conversation is the persisted record of one participant walking a flow.
// FlowVersion is pinned when the conversation starts. Revision increases on
// every successful update and guards against concurrent writers.
type Conversation struct {
	ID             string             `json:"id"`
	FlowID         string             `json:"flow_id"`
	FlowVersion    string             `json:"flow_version"`
	Participant    string             `json:"participant"`
	Status         ConversationStatus `json:"status"`
	State          flow.State         `json:"state"`
	Revision       int64              `json:"revision"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
}

// Clone returns a copy that shares no maps or slices with c.
func (c Conversation) Clone() Conversation {
	c.State = c.State.Clone()
	return c
}

// StartConversationRequest is the body of POST /conversations.
type StartConversationRequest struct {
	FlowID       string            `json:"flow_id"`
	Participant  string            `json:"participant"`
	Variables    map[string]string `json:"variables,omitempty"`
	InitialInput string            `json:"initial_input,omitempty"`
}

// Validate checks required fields.
func (r *StartConversationRequest) Validate() error {
	if strings.TrimSpace(r.FlowID) == "" {
		return ErrEmptyFlowID
	}
	if strings.TrimSpace(r.Participant) == "" {
		return ErrEmptyParticipant
	}
	if len(r.InitialInput) > MaxInputLength {
		return ErrInputTooLong
	}
	return nil
}

// AdvanceRequest is the body of POST /conversations/{id}/messages.
type AdvanceRequest struct {
	Input string `json:"input"`
}

// Validate checks the reply is present and bounded.
func (r *AdvanceRequest) Validate() error {
	if strings.TrimSpace(r.Input) == "" {
		return ErrEmptyInput
	}
	if len(r.Input) > MaxInputLength {
		return ErrInputTooLong
	}
	return nil
}

// TurnView is what the API returns after starting or advancing a conversation.
type TurnView struct {
	Conversation Conversation      `json:"conversation"`
	Result       flow.StepResult   `json:"result"`
	Messages     []flow.StepResult `json:"messages"`
	Complete     bool              `json:"complete"`
	Error        string            `json:"error,omitempty"`
}

// PublishResult is returned when a flow document is published.
type PublishResult struct {
	FlowID   string         `json:"flow_id"`
	Version  string         `json:"version"`
	Steps    int            `json:"steps"`
	Warnings []flow.Warning `json:"warnings,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the JSON envelope used by every endpoint.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// ErrorWithResult creates an error response that still carries details, such
// as the offending step of a rejected flow document.
func ErrorWithResult(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message, Result: result}
}
