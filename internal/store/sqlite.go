// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/FlowPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and keeps transactions simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

func (s *SQLiteStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES (?, ?, ?)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	slog.Debug("SQLiteStore AddResponse succeeded", "from", r.From)
	return nil
}

func (s *SQLiteStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM responses ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore GetResponses query failed", "error", err)
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response rows: %w", err)
	}
	return responses, nil
}

func (s *SQLiteStore) SaveFlow(rec models.FlowRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT document FROM flows WHERE flow_id = ? AND version = ?`, rec.ID, rec.Version).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created := rec.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.Exec(`INSERT INTO flows (flow_id, version, document, active, created_at) VALUES (?, ?, ?, 0, ?)`,
			rec.ID, rec.Version, string(rec.Document), created.UTC()); err != nil {
			slog.Error("SQLiteStore SaveFlow insert failed", "error", err, "flowID", rec.ID, "version", rec.Version)
			return fmt.Errorf("failed to insert flow %s@%s: %w", rec.ID, rec.Version, err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up flow %s@%s: %w", rec.ID, rec.Version, err)
	case !jsonEqual([]byte(existing), rec.Document):
		slog.Warn("SQLiteStore SaveFlow version conflict", "flowID", rec.ID, "version", rec.Version)
		return ErrFlowVersionConflict
	}

	if _, err := tx.Exec(`UPDATE flows SET active = CASE WHEN version = ? THEN 1 ELSE 0 END WHERE flow_id = ?`, rec.Version, rec.ID); err != nil {
		return fmt.Errorf("failed to activate flow %s@%s: %w", rec.ID, rec.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow %s@%s: %w", rec.ID, rec.Version, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flowID", rec.ID, "version", rec.Version)
	return nil
}

func (s *SQLiteStore) GetFlow(id, version string) (*models.FlowRecord, error) {
	return s.getFlow(`SELECT flow_id, version, document, active, created_at FROM flows WHERE flow_id = ? AND version = ?`, id, version)
}

func (s *SQLiteStore) GetActiveFlow(id string) (*models.FlowRecord, error) {
	return s.getFlow(`SELECT flow_id, version, document, active, created_at FROM flows WHERE flow_id = ? AND active = 1`, id)
}

func (s *SQLiteStore) getFlow(query string, args ...any) (*models.FlowRecord, error) {
	var rec models.FlowRecord
	var doc string
	err := s.db.QueryRow(query, args...).Scan(&rec.ID, &rec.Version, &doc, &rec.Active, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore getFlow failed", "error", err, "args", args)
		return nil, fmt.Errorf("failed to query flow: %w", err)
	}
	rec.Document = []byte(doc)
	return &rec, nil
}

func (s *SQLiteStore) CreateConversation(c models.Conversation) error {
	state, err := encodeState(c.State)
	if err != nil {
		return err
	}
	if existing, err := s.GetConversation(c.ID); err != nil {
		return err
	} else if existing != nil {
		return ErrConversationExists
	}
	_, err = s.db.Exec(`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FlowID, c.FlowVersion, c.Participant, string(c.Status), state, c.Revision,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.LastActivityAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "conversationID", c.ID, "flowID", c.FlowID, "version", c.FlowVersion)
	return nil
}

func (s *SQLiteStore) UpdateConversation(c *models.Conversation) error {
	state, err := encodeState(c.State)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE conversations
		SET status = ?, state = ?, revision = revision + 1, updated_at = ?, last_activity_at = ?
		WHERE id = ? AND revision = ?`,
		string(c.Status), state, c.UpdatedAt.UTC(), c.LastActivityAt.UTC(), c.ID, c.Revision)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.GetConversation(c.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrConversationNotFound
		}
		slog.Debug("SQLiteStore UpdateConversation revision conflict", "conversationID", c.ID, "stored", existing.Revision, "given", c.Revision)
		return ErrRevisionConflict
	}
	c.Revision++
	slog.Debug("SQLiteStore UpdateConversation succeeded", "conversationID", c.ID, "revision", c.Revision)
	return nil
}

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "conversationID", id)
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetActiveConversationByParticipant(participant string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE participant = ? AND status = ? ORDER BY last_activity_at DESC LIMIT 1`,
		participant, string(models.ConversationActive))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetActiveConversationByParticipant failed", "error", err, "participant", participant)
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ListIdleConversations(before time.Time) ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations
		WHERE status = ? AND last_activity_at < ? ORDER BY last_activity_at`,
		string(models.ConversationActive), before.UTC())
	if err != nil {
		slog.Error("SQLiteStore ListIdleConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query idle conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return out, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
