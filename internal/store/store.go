// Package store provides storage backends for FlowPipe.
//
// Flows are kept per (id, version) with one active version per id.
// Conversations pin the flow version they started on and carry a revision
// number; UpdateConversation only succeeds when the caller saw the latest
// revision.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

var (
	// ErrRevisionConflict is returned when a conversation was updated by
	// someone else since it was read.
	ErrRevisionConflict = errors.New("conversation revision conflict")
	// ErrConversationNotFound is returned when updating a conversation that
	// does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationExists is returned when creating a conversation whose id
	// is already taken.
	ErrConversationExists = errors.New("conversation already exists")
	// ErrFlowVersionConflict is returned when a flow version is republished
	// with a different document. Published versions are immutable so that
	// pinned conversations keep running the graph they started on.
	ErrFlowVersionConflict = errors.New("flow version already published with different content")
)

// Store defines the persistence interface used by FlowPipe.
// Lookups return (nil, nil) when the record does not exist.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)

	// SaveFlow stores a flow version and makes it the active one.
	SaveFlow(rec models.FlowRecord) error
	GetFlow(id, version string) (*models.FlowRecord, error)
	GetActiveFlow(id string) (*models.FlowRecord, error)

	CreateConversation(c models.Conversation) error
	// UpdateConversation persists c if c.Revision matches the stored revision,
	// then increments c.Revision.
	UpdateConversation(c *models.Conversation) error
	GetConversation(id string) (*models.Conversation, error)
	// GetActiveConversationByParticipant returns the most recently active
	// conversation of the participant that is still in progress.
	GetActiveConversationByParticipant(participant string) (*models.Conversation, error)
	// ListIdleConversations returns active conversations whose last activity
	// is older than before.
	ListIdleConversations(before time.Time) ([]models.Conversation, error)

	DedupRepo

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option { return WithDSN(dsn) }

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option { return WithDSN(dsn) }

// DetectDSNType returns the database/sql driver name for a DSN: "postgres"
// for PostgreSQL URLs and key/value strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore is a Store kept in process memory, used in tests and when no
// database is configured.
type InMemoryStore struct {
	mu            sync.RWMutex
	receipts      []models.Receipt
	responses     []models.Response
	flows         map[string]map[string]models.FlowRecord
	conversations map[string]models.Conversation
	inbound       map[string]DedupRecord
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:         make(map[string]map[string]models.FlowRecord),
		conversations: make(map[string]models.Conversation),
		inbound:       make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.receipts), nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.responses), nil
}

func (s *InMemoryStore) SaveFlow(rec models.FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.flows[rec.ID]
	if versions == nil {
		versions = make(map[string]models.FlowRecord)
		s.flows[rec.ID] = versions
	}
	if existing, ok := versions[rec.Version]; ok {
		if !jsonEqual(existing.Document, rec.Document) {
			return ErrFlowVersionConflict
		}
		rec.CreatedAt = existing.CreatedAt
	}
	for v, r := range versions {
		r.Active = false
		versions[v] = r
	}
	rec.Active = true
	rec.Document = slices.Clone(rec.Document)
	versions[rec.Version] = rec
	slog.Debug("InMemoryStore SaveFlow succeeded", "flowID", rec.ID, "version", rec.Version)
	return nil
}

func (s *InMemoryStore) GetFlow(id, version string) (*models.FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.flows[id][version]
	if !ok {
		return nil, nil
	}
	rec.Document = slices.Clone(rec.Document)
	return &rec, nil
}

func (s *InMemoryStore) GetActiveFlow(id string) (*models.FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.flows[id] {
		if rec.Active {
			rec.Document = slices.Clone(rec.Document)
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return ErrConversationExists
	}
	s.conversations[c.ID] = c.Clone()
	return nil
}

func (s *InMemoryStore) UpdateConversation(c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.conversations[c.ID]
	if !ok {
		return ErrConversationNotFound
	}
	if stored.Revision != c.Revision {
		slog.Debug("InMemoryStore UpdateConversation revision conflict", "conversationID", c.ID, "stored", stored.Revision, "given", c.Revision)
		return ErrRevisionConflict
	}
	c.Revision++
	s.conversations[c.ID] = c.Clone()
	return nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	c = c.Clone()
	return &c, nil
}

func (s *InMemoryStore) GetActiveConversationByParticipant(participant string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Conversation
	for _, c := range s.conversations {
		if c.Participant != participant || c.Status != models.ConversationActive {
			continue
		}
		if found == nil || c.LastActivityAt.After(found.LastActivityAt) {
			cp := c.Clone()
			found = &cp
		}
	}
	return found, nil
}

func (s *InMemoryStore) ListIdleConversations(before time.Time) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idle []models.Conversation
	for _, c := range s.conversations {
		if c.Status == models.ConversationActive && c.LastActivityAt.Before(before) {
			idle = append(idle, c.Clone())
		}
	}
	slices.SortFunc(idle, func(a, b models.Conversation) int {
		return a.LastActivityAt.Compare(b.LastActivityAt)
	})
	return idle, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// jsonEqual compares two JSON documents ignoring formatting differences.
func jsonEqual(a, b []byte) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
