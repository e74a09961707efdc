package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// conversationColumns is the column list matching scanConversation.
const conversationColumns = `id, flow_id, flow_version, participant, status, state, revision, created_at, updated_at, last_activity_at`

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation scans one conversation row, decoding the JSON state.
func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var status string
	var stateJSON []byte
	err := row.Scan(&c.ID, &c.FlowID, &c.FlowVersion, &c.Participant, &status, &stateJSON,
		&c.Revision, &c.CreatedAt, &c.UpdatedAt, &c.LastActivityAt)
	if err != nil {
		return c, err
	}
	c.Status = models.ConversationStatus(status)
	state, err := decodeState(stateJSON)
	if err != nil {
		return c, fmt.Errorf("failed to decode state of conversation %s: %w", c.ID, err)
	}
	c.State = state
	return c, nil
}

func encodeState(s flow.State) (string, error) {
	b, err := json.Marshal(s.Clone())
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation state: %w", err)
	}
	return string(b), nil
}

func decodeState(raw []byte) (flow.State, error) {
	var s flow.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return flow.State{}, err
	}
	// Normalize nil maps from older or hand-written rows.
	return s.Clone(), nil
}
