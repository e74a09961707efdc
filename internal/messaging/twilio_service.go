package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the webhook signature computed by Twilio.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioService implements Service on the Twilio API. Outbound messages go
// through the REST client; inbound messages arrive on TwilioWebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.TwilioWhatsAppSender
	webhookURL string
	receipts   chan models.Receipt
	responses  chan models.Response
	mu         sync.RWMutex
	stopped    bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookURL sets the public URL Twilio posts to. When set, inbound
// requests must carry a valid X-Twilio-Signature for that URL.
func WithWebhookURL(url string) TwilioOption {
	return func(s *TwilioService) { s.webhookURL = url }
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.webhookURL == "" {
		slog.Warn("TwilioService webhook signature validation disabled; no webhook URL configured")
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a phone number, optionally with a
// "whatsapp:" prefix, to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op: inbound traffic arrives through the webhook handler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the channels. Later sends fail with ErrServiceStopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	slog.Info("TwilioService stopped and channels closed")
	return nil
}

// SendMessage sends a message via Twilio and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		emit(s.receipts, models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}
	if !emit(s.receipts, models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()}) {
		slog.Warn("TwilioService receipts channel blocked, dropping receipt", "to", canonicalTo)
	}
	return nil
}

// Receipts returns the channel of delivery receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel of inbound messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits each
// message on the Responses channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Warn("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.client.ValidateRequest(s.webhookURL, params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	if !s.safeEmitResponse(models.Response{From: canonicalFrom, Body: body, Time: time.Now().Unix(), MessageID: r.PostFormValue("MessageSid")}) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	// Empty TwiML: replies are sent through the REST API.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) safeEmitResponse(response models.Response) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return false
	}
	if !emit(s.responses, response) {
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
		return false
	}
	slog.Info("TwilioService inbound message forwarded", "from", response.From)
	return true
}
