package store

import (
	"fmt"
	"time"
)

func (s *PostgresStore) RecordInbound(messageID, participant string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, participant, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, participant, time.Now(),
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

func (s *PostgresStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID); err != nil {
		return fmt.Errorf("failed to mark inbound message processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneInbound(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune inbound messages: %w", err)
	}
	return res.RowsAffected()
}
