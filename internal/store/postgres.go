// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES ($1, $2, $3)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("PostgresStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
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

// AddResponse stores an incoming response in Postgres.
func (s *PostgresStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES ($1, $2, $3)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	slog.Debug("PostgresStore AddResponse succeeded", "from", r.From)
	return nil
}

// GetResponses retrieves all stored responses from Postgres.
func (s *PostgresStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM responses ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore GetResponses query failed", "error", err)
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

func (s *PostgresStore) SaveFlow(rec models.FlowRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the flow's rows so concurrent publishes of one id serialize.
	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext($1))`, rec.ID); err != nil {
		return fmt.Errorf("failed to lock flow %s: %w", rec.ID, err)
	}

	var same bool
	err = tx.QueryRow(`SELECT document = $3::jsonb FROM flows WHERE flow_id = $1 AND version = $2`,
		rec.ID, rec.Version, string(rec.Document)).Scan(&same)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created := rec.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.Exec(`INSERT INTO flows (flow_id, version, document, active, created_at) VALUES ($1, $2, $3::jsonb, FALSE, $4)`,
			rec.ID, rec.Version, string(rec.Document), created); err != nil {
			slog.Error("PostgresStore SaveFlow insert failed", "error", err, "flowID", rec.ID, "version", rec.Version)
			return fmt.Errorf("failed to insert flow %s@%s: %w", rec.ID, rec.Version, err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up flow %s@%s: %w", rec.ID, rec.Version, err)
	case !same:
		slog.Warn("PostgresStore SaveFlow version conflict", "flowID", rec.ID, "version", rec.Version)
		return ErrFlowVersionConflict
	}

	if _, err := tx.Exec(`UPDATE flows SET active = (version = $2) WHERE flow_id = $1`, rec.ID, rec.Version); err != nil {
		return fmt.Errorf("failed to activate flow %s@%s: %w", rec.ID, rec.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow %s@%s: %w", rec.ID, rec.Version, err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flowID", rec.ID, "version", rec.Version)
	return nil
}

func (s *PostgresStore) GetFlow(id, version string) (*models.FlowRecord, error) {
	return s.getFlow(`SELECT flow_id, version, document, active, created_at FROM flows WHERE flow_id = $1 AND version = $2`, id, version)
}

func (s *PostgresStore) GetActiveFlow(id string) (*models.FlowRecord, error) {
	return s.getFlow(`SELECT flow_id, version, document, active, created_at FROM flows WHERE flow_id = $1 AND active`, id)
}

func (s *PostgresStore) getFlow(query string, args ...any) (*models.FlowRecord, error) {
	var rec models.FlowRecord
	var doc []byte
	err := s.db.QueryRow(query, args...).Scan(&rec.ID, &rec.Version, &doc, &rec.Active, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore getFlow failed", "error", err, "args", args)
		return nil, fmt.Errorf("failed to query flow: %w", err)
	}
	rec.Document = doc
	return &rec, nil
}

func (s *PostgresStore) CreateConversation(c models.Conversation) error {
	state, err := encodeState(c.State)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)`,
		c.ID, c.FlowID, c.FlowVersion, c.Participant, string(c.Status), state, c.Revision,
		c.CreatedAt, c.UpdatedAt, c.LastActivityAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrConversationExists
		}
		slog.Error("PostgresStore CreateConversation failed", "error", err, "conversationID", c.ID)
		return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "conversationID", c.ID, "flowID", c.FlowID, "version", c.FlowVersion)
	return nil
}

func (s *PostgresStore) UpdateConversation(c *models.Conversation) error {
	state, err := encodeState(c.State)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE conversations
		SET status = $1, state = $2::jsonb, revision = revision + 1, updated_at = $3, last_activity_at = $4
		WHERE id = $5 AND revision = $6`,
		string(c.Status), state, c.UpdatedAt, c.LastActivityAt, c.ID, c.Revision)
	if err != nil {
		slog.Error("PostgresStore UpdateConversation failed", "error", err, "conversationID", c.ID)
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
		slog.Debug("PostgresStore UpdateConversation revision conflict", "conversationID", c.ID, "stored", existing.Revision, "given", c.Revision)
		return ErrRevisionConflict
	}
	c.Revision++
	slog.Debug("PostgresStore UpdateConversation succeeded", "conversationID", c.ID, "revision", c.Revision)
	return nil
}

func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "conversationID", id)
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetActiveConversationByParticipant(participant string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE participant = $1 AND status = $2 ORDER BY last_activity_at DESC LIMIT 1`,
		participant, string(models.ConversationActive))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetActiveConversationByParticipant failed", "error", err, "participant", participant)
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListIdleConversations(before time.Time) ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations
		WHERE status = $1 AND last_activity_at < $2 ORDER BY last_activity_at`,
		string(models.ConversationActive), before)
	if err != nil {
		slog.Error("PostgresStore ListIdleConversations query failed", "error", err)
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

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
