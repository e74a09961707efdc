package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/conversation"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	// Marshal first so encoding errors surface before headers are written.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// FlowErrorDetail describes why a flow document was rejected.
type FlowErrorDetail struct {
	Kind   string `json:"kind"`
	StepID string `json:"step_id,omitempty"`
	Field  string `json:"field,omitempty"`
	Target string `json:"target,omitempty"`
	Index  *int   `json:"index,omitempty"`
}

// flowErrorDetail extracts the typed details of a parse or validation error.
func flowErrorDetail(err error) (*FlowErrorDetail, bool) {
	var perr *flow.ParseError
	if errors.As(err, &perr) {
		d := &FlowErrorDetail{Kind: perr.Kind.Error(), StepID: perr.StepID, Field: perr.Field}
		if perr.Index >= 0 {
			idx := perr.Index
			d.Index = &idx
		}
		return d, true
	}
	var verr *flow.ValidationError
	if errors.As(err, &verr) {
		return &FlowErrorDetail{Kind: verr.Kind.Error(), StepID: verr.StepID, Target: verr.Target}, true
	}
	return nil, false
}

// statusForError maps service errors to HTTP status codes.
func statusForError(err error) int {
	if _, ok := flowErrorDetail(err); ok {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, models.ErrEmptyFlowID),
		errors.Is(err, models.ErrEmptyParticipant),
		errors.Is(err, models.ErrEmptyInput),
		errors.Is(err, models.ErrInputTooLong),
		errors.Is(err, conversation.ErrInvalidParticipant):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrDocumentTooLarge),
		errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, conversation.ErrFlowNotFound),
		errors.Is(err, store.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrConversationClosed),
		errors.Is(err, store.ErrFlowVersionConflict),
		errors.Is(err, store.ErrRevisionConflict):
		return http.StatusConflict
	case errors.Is(err, flow.ErrUnrecognizedChoice):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status statusForError picks. Internal errors
// are logged and hidden from the client.
func writeError(w http.ResponseWriter, handler string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		slog.Error(handler+": internal error", "error", err)
		writeJSONResponse(w, status, models.Error("Internal server error"))
		return
	}
	slog.Warn(handler+": request rejected", "status", status, "error", err)
	if detail, ok := flowErrorDetail(err); ok {
		writeJSONResponse(w, status, models.ErrorWithResult(err.Error(), detail))
		return
	}
	writeJSONResponse(w, status, models.Error(err.Error()))
}
