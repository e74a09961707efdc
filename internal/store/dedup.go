package store

import (
	"time"
)

// DedupRecord tracks one inbound provider message.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Participant string     `json:"participant"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo records inbound provider message ids so that redelivered
// messages are routed at most once.
type DedupRepo interface {
	// RecordInbound stores messageID and reports whether it was new. A false
	// result means the message was seen before and must be dropped.
	RecordInbound(messageID, participant string) (bool, error)
	// MarkProcessed records that routing of messageID finished.
	MarkProcessed(messageID string) error
	// PruneInbound deletes records received before the cutoff and returns how
	// many were removed.
	PruneInbound(before time.Time) (int64, error)
}

func (s *InMemoryStore) RecordInbound(messageID, participant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, Participant: participant, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) PruneInbound(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}
