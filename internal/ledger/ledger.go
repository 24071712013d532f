package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tracyhatemice/attachhound/internal/model"
)

// ErrDuplicate is returned by Record when the uid is already present.
var ErrDuplicate = errors.New("uid already recorded")

// Record is one row of processed_emails.
type Record struct {
	UID         string   `db:"uid" yaml:"uid"`
	Subject     string   `db:"subject" yaml:"subject"`
	Sender      string   `db:"sender" yaml:"sender"`
	Recipient   string   `db:"recipient" yaml:"recipient"`
	Date        string   `db:"date" yaml:"date"`
	Body        string   `db:"body" yaml:"-"`
	Attachments []string `db:"-" yaml:"attachments"`
	RecordedAt  string   `db:"recorded_at" yaml:"recorded_at,omitempty"`
}

// Ledger remembers which messages have been processed. Rows are only ever
// inserted; they survive deletion of the source message.
type Ledger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite ledger at path and applies pending
// migrations. The parent directory is created if needed.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps writes strictly sequential.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("ledger opened", "path", path)
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := l.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = l.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := l.db.Beginx()
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// AlreadyProcessed reports whether uid has a row. It never writes.
func (l *Ledger) AlreadyProcessed(ctx context.Context, uid string) (bool, error) {
	var n int
	err := l.db.GetContext(ctx, &n, "SELECT COUNT(1) FROM processed_emails WHERE uid = ?", uid)
	if err != nil {
		return false, fmt.Errorf("checking uid %s: %w", uid, err)
	}
	return n > 0, nil
}

// Record inserts mail. It is not an upsert: a second Record for the same
// uid fails with ErrDuplicate. The row is committed before Record returns.
func (l *Ledger) Record(ctx context.Context, mail *model.Mail) error {
	attachments := mail.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshaling attachments for uid %s: %w", mail.UID, err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO processed_emails (
			uid, subject, sender, recipient, date, body, attachments, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mail.UID, mail.Subject, mail.Sender, mail.Recipient,
		mail.DateString(), mail.Body, string(encoded),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("recording uid %s: %w", mail.UID, ErrDuplicate)
		}
		return fmt.Errorf("recording uid %s: %w", mail.UID, err)
	}

	l.logger.Debug("recorded in ledger", "uid", mail.UID, "attachments", len(attachments))
	return nil
}

// Count returns the number of recorded messages.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM processed_emails"); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// List returns recorded messages ordered by message date, newest first.
// A limit of zero or less returns every row.
func (l *Ledger) List(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT uid, COALESCE(subject, '') AS subject, COALESCE(sender, '') AS sender,
			COALESCE(recipient, '') AS recipient, COALESCE(date, '') AS date,
			COALESCE(body, '') AS body, COALESCE(attachments, '[]') AS attachments,
			COALESCE(recorded_at, '') AS recorded_at
		FROM processed_emails
		ORDER BY date DESC, uid`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := l.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r           Record
			attachments string
		)
		if err := rows.Scan(
			&r.UID, &r.Subject, &r.Sender, &r.Recipient, &r.Date,
			&r.Body, &attachments, &r.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &r.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshaling attachments for uid %s: %w", r.UID, err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
