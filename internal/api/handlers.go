package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/conversation"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// maxRequestBodySize bounds JSON request bodies other than flow documents.
const maxRequestBodySize = 64 << 10

var errRequestTooLarge = errors.New("request body too large")

// publishFlowHandler handles POST /flows/{id}. The body is the flow document.
func (s *Server) publishFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := r.PathValue("id")
	slog.Debug("Server.publishFlowHandler: processing request", "flowID", id)

	raw, err := readLimited(r.Body, models.MaxFlowDocumentSize)
	if err != nil {
		writeError(w, "Server.publishFlowHandler", err)
		return
	}
	res, err := s.conv.Publish(r.Context(), id, raw)
	if err != nil {
		writeError(w, "Server.publishFlowHandler", err)
		return
	}
	slog.Info("Server.publishFlowHandler: flow published", "flowID", id, "version", res.Version)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow published", res))
}

// validateFlowHandler handles POST /validate: it parses and validates a flow
// document without storing it and returns the lint warnings.
func (s *Server) validateFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := readLimited(r.Body, models.MaxFlowDocumentSize)
	if err != nil {
		writeError(w, "Server.validateFlowHandler", err)
		return
	}
	def, err := flow.Parse(raw)
	if err == nil {
		_, err = flow.Validate(def)
	}
	if err != nil {
		writeError(w, "Server.validateFlowHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow is valid", models.PublishResult{
		Version:  def.Version,
		Steps:    len(def.Steps),
		Warnings: flow.Lint(def),
	}))
}

// getFlowHandler handles GET /flows/{id}.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.conv.GetFlow(id)
	if err != nil {
		writeError(w, "Server.getFlowHandler", err)
		return
	}
	if rec == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

// startConversationHandler handles POST /conversations.
func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.StartConversationRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		if errors.Is(err, errRequestTooLarge) {
			writeError(w, "Server.startConversationHandler", err)
			return
		}
		slog.Warn("Server.startConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	view, err := s.conv.Start(r.Context(), req)
	if err != nil {
		writeError(w, "Server.startConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(view))
}

// getConversationHandler handles GET /conversations/{id}.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.conv.GetConversation(id)
	if err != nil {
		writeError(w, "Server.getConversationHandler", err)
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// advanceConversationHandler handles POST /conversations/{id}/messages.
func (s *Server) advanceConversationHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id := r.PathValue("id")
	var req models.AdvanceRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		if errors.Is(err, errRequestTooLarge) {
			writeError(w, "Server.advanceConversationHandler", err)
			return
		}
		slog.Warn("Server.advanceConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	view, err := s.conv.Advance(r.Context(), id, req.Input)
	if err != nil {
		if flow.IsUserError(err) && view != nil {
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.ErrorWithResult(err.Error(), view))
			return
		}
		writeError(w, "Server.advanceConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// receiptsHandler handles GET /receipts.
func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	if err != nil {
		writeError(w, "Server.receiptsHandler", err)
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// responsesHandler handles GET /responses.
func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	responses, err := s.st.GetResponses()
	if err != nil {
		writeError(w, "Server.responsesHandler", err)
		return
	}
	if responses == nil {
		responses = []models.Response{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(responses))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// decodeJSONBody decodes at most maxRequestBodySize bytes of JSON into v.
func decodeJSONBody(body io.Reader, v any) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxRequestBodySize+1))
	if err != nil {
		return err
	}
	if len(raw) > maxRequestBodySize {
		return errRequestTooLarge
	}
	return json.Unmarshal(raw, v)
}

// readLimited reads at most limit bytes from body and fails if there is more.
func readLimited(body io.Reader, limit int) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(body, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > limit {
		return nil, conversation.ErrDocumentTooLarge
	}
	return raw, nil
}
