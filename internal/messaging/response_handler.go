package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ResponseAction processes a participant's reply. It receives the
// participant's canonical phone number, the reply text and its timestamp, and
// reports whether the reply was handled.
type ResponseAction func(ctx context.Context, from, responseText string, timestamp int64) (handled bool, err error)

const (
	// DefaultUnhandledMessage is sent when no conversation takes a reply.
	DefaultUnhandledMessage = "Thanks for your message! There is no active conversation right now."
	// DefaultErrorMessage is sent when routing a reply fails.
	DefaultErrorMessage = "We encountered an issue processing your response. Please try again later."
)

// ResponseHandler consumes a Service's Responses channel and routes each reply
// through a ResponseAction, answering with a default message when the action
// does not handle it.
type ResponseHandler struct {
	msgService     Service
	route          ResponseAction
	mu             sync.RWMutex
	defaultMessage string
	errorMessage   string
	dedup          InboundDeduper
	wg             sync.WaitGroup
}

// InboundDeduper drops provider redeliveries. store.DedupRepo implements it.
type InboundDeduper interface {
	RecordInbound(messageID, participant string) (bool, error)
	MarkProcessed(messageID string) error
}

// NewResponseHandler creates a ResponseHandler that routes replies through
// route.
func NewResponseHandler(msgService Service, route ResponseAction) *ResponseHandler {
	return &ResponseHandler{
		msgService:     msgService,
		route:          route,
		defaultMessage: DefaultUnhandledMessage,
		errorMessage:   DefaultErrorMessage,
	}
}

// SetDefaultMessage sets the message sent when no conversation handles a
// reply. An empty message disables it.
func (rh *ResponseHandler) SetDefaultMessage(message string) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.defaultMessage = message
	slog.Debug("ResponseHandler default message updated", "message", message)
}

// SetDeduper makes the handler route each provider message id at most once.
// Replies without a message id are always routed.
func (rh *ResponseHandler) SetDeduper(d InboundDeduper) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.dedup = d
}

// GetDefaultMessage returns the current default message.
func (rh *ResponseHandler) GetDefaultMessage() string {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	return rh.defaultMessage
}

// ProcessResponse routes one inbound reply.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Warn("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	slog.Debug("ResponseHandler processing response", "from", canonicalFrom, "body_length", len(response.Body))

	rh.mu.RLock()
	dedup := rh.dedup
	rh.mu.RUnlock()
	if dedup != nil && response.MessageID != "" {
		fresh, err := dedup.RecordInbound(response.MessageID, canonicalFrom)
		switch {
		case err != nil:
			slog.Warn("ResponseHandler dedup check failed; routing anyway", "error", err, "message_id", response.MessageID)
		case !fresh:
			slog.Info("ResponseHandler dropping duplicate message", "message_id", response.MessageID, "from", canonicalFrom)
			return nil
		}
		defer func() {
			if err := dedup.MarkProcessed(response.MessageID); err != nil {
				slog.Warn("ResponseHandler failed to mark message processed", "error", err, "message_id", response.MessageID)
			}
		}()
	}

	handled, err := rh.route(ctx, canonicalFrom, response.Body, response.Time)
	if err != nil {
		slog.Error("ResponseHandler routing failed", "error", err, "from", canonicalFrom)
		if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, rh.errorMessage); sendErr != nil {
			slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
		}
		return fmt.Errorf("routing response failed: %w", err)
	}
	if handled {
		slog.Debug("ResponseHandler response handled", "from", canonicalFrom)
		return nil
	}

	msg := rh.GetDefaultMessage()
	if msg == "" {
		slog.Debug("ResponseHandler response unhandled; default message disabled", "from", canonicalFrom)
		return nil
	}
	if err := rh.msgService.SendMessage(ctx, canonicalFrom, msg); err != nil {
		slog.Error("ResponseHandler failed to send default response", "error", err, "from", canonicalFrom)
		return fmt.Errorf("failed to send default response: %w", err)
	}
	slog.Info("ResponseHandler sent default response", "from", canonicalFrom)
	return nil
}

// Start begins the response processing loop. It returns immediately; the
// loop ends when ctx is cancelled or the responses channel is closed.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}

// Wait blocks until the processing loop started by Start has returned.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// ReceiptRecorder persists receipts.
type ReceiptRecorder interface {
	AddReceipt(r models.Receipt) error
}

// RecordReceipts drains the service's receipt channel into rec until ctx is
// cancelled or the channel is closed.
func RecordReceipts(ctx context.Context, msgService Service, rec ReceiptRecorder) {
	for {
		select {
		case r, ok := <-msgService.Receipts():
			if !ok {
				return
			}
			if err := rec.AddReceipt(r); err != nil {
				slog.Error("failed to record receipt", "error", err, "to", r.To, "status", r.Status)
			}
		case <-ctx.Done():
			return
		}
	}
}
