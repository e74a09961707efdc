package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentMessage is a message recorded by MockService.
type SentMessage struct {
	To   string
	Body string
}

// MockService is an in-memory Service for tests. Deliver injects inbound
// replies; Sent lists what was sent.
type MockService struct {
	mu        sync.Mutex
	sent      []SentMessage
	receipts  chan models.Receipt
	responses chan models.Response
	stopped   bool
	// SendErr, when set, fails every SendMessage call.
	SendErr error
}

func NewMockService() *MockService {
	return &MockService{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := m.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrServiceStopped
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{To: canonical, Body: body})
	emit(m.receipts, models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.receipts)
		close(m.responses)
	}
	return nil
}

func (m *MockService) Receipts() <-chan models.Receipt   { return m.receipts }
func (m *MockService) Responses() <-chan models.Response { return m.responses }

// Deliver simulates an inbound reply from a participant.
func (m *MockService) Deliver(from, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	emit(m.responses, models.Response{From: from, Body: body, Time: time.Now().Unix()})
}

// DeliverWithID simulates an inbound reply carrying a provider message id.
func (m *MockService) DeliverWithID(messageID, from, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	emit(m.responses, models.Response{From: from, Body: body, Time: time.Now().Unix(), MessageID: messageID})
}

// Sent returns a copy of the messages sent so far.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTo returns the bodies sent to one recipient, in order.
func (m *MockService) SentTo(to string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.To == to {
			out = append(out, s.Body)
		}
	}
	return out
}

// Reset forgets the recorded messages.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
