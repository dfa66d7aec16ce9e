package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/opbenesh/bindery/internal/model"
	"github.com/opbenesh/bindery/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SetKindleEmail stores or replaces the destination address for a chat.
func (s *SQLite) SetKindleEmail(ctx context.Context, chatID int64, email string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kindle_emails (chat_id, email, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET email = excluded.email, updated_at = excluded.updated_at`,
		chatID, email, now,
	)
	if err != nil {
		return fmt.Errorf("set kindle email: %w", err)
	}
	return nil
}

// GetKindleEmail returns the destination address for a chat, or "" if unset.
func (s *SQLite) GetKindleEmail(ctx context.Context, chatID int64) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx,
		`SELECT email FROM kindle_emails WHERE chat_id = ?`, chatID,
	).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kindle email: %w", err)
	}
	return email, nil
}

// ClearKindleEmail removes the destination address for a chat.
func (s *SQLite) ClearKindleEmail(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kindle_emails WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("clear kindle email: %w", err)
	}
	return nil
}

// AddBind records a completed send and trims the history to MaxBinds. The
// generated ID and SentAt are written back to entry. Mutation is
// last-writer-wins; the SQLite transaction is the only locking.
func (s *SQLite) AddBind(ctx context.Context, chatID int64, entry *model.BindEntry) error {
	urlsJSON, err := json.Marshal(entry.URLs)
	if err != nil {
		return fmt.Errorf("marshal urls: %w", err)
	}

	sentAt := time.Now().UTC()
	id := strconv.FormatInt(sentAt.UnixNano(), 36)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO binds (id, chat_id, title, urls, sent_at) VALUES (?, ?, ?, ?, ?)`,
		id, chatID, entry.Title, string(urlsJSON), sentAt.Format(timeLayout),
	); err != nil {
		return fmt.Errorf("insert bind: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM binds WHERE chat_id = ? AND id NOT IN (
		     SELECT id FROM binds WHERE chat_id = ? ORDER BY sent_at DESC, id DESC LIMIT ?
		 )`,
		chatID, chatID, MaxBinds,
	); err != nil {
		return fmt.Errorf("trim binds: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	entry.ID = id
	entry.SentAt = sentAt
	return nil
}

// ListBinds returns a conversation's bind history, most recent first.
func (s *SQLite) ListBinds(ctx context.Context, chatID int64) ([]model.BindEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, urls, sent_at FROM binds
		 WHERE chat_id = ? ORDER BY sent_at DESC, id DESC`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query binds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.BindEntry
	for rows.Next() {
		e, err := scanBind(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetBind returns one history entry, or ErrNotFound.
func (s *SQLite) GetBind(ctx context.Context, chatID int64, id string) (*model.BindEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, urls, sent_at FROM binds WHERE chat_id = ? AND id = ?`,
		chatID, id,
	)
	e, err := scanBind(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Allow adds a user to the whitelist. Idempotent.
func (s *SQLite) Allow(ctx context.Context, userID int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO whitelist (user_id, added_at) VALUES (?, ?)`,
		userID, now,
	)
	if err != nil {
		return fmt.Errorf("allow user: %w", err)
	}
	return nil
}

// Disallow removes a user from the whitelist.
func (s *SQLite) Disallow(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("disallow user: %w", err)
	}
	return nil
}

// ListAllowed returns all whitelisted user IDs.
func (s *SQLite) ListAllowed(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM whitelist ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query whitelist: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan whitelist: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsAllowed checks whether a user is whitelisted.
func (s *SQLite) IsAllowed(ctx context.Context, userID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM whitelist WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check whitelist: %w", err)
	}
	return count > 0, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBind(row scannable) (*model.BindEntry, error) {
	var e model.BindEntry
	var urlsJSON, sentStr string
	if err := row.Scan(&e.ID, &e.Title, &urlsJSON, &sentStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan bind: %w", err)
	}
	if err := json.Unmarshal([]byte(urlsJSON), &e.URLs); err != nil {
		return nil, fmt.Errorf("unmarshal urls: %w", err)
	}
	e.SentAt, _ = time.Parse(timeLayout, sentStr)
	return &e, nil
}
