package store

import (
	"fmt"
	"time"
)

func (s *SQLiteStore) RecordInbound(messageID, participant string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, participant, received_at) VALUES (?, ?, ?)`,
		messageID, participant, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record inbound message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check inbound insert: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("failed to mark inbound message processed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneInbound(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune inbound messages: %w", err)
	}
	return res.RowsAffected()
}
