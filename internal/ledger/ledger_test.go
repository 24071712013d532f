package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracyhatemice/attachhound/internal/model"
)

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state", "processed_emails.db")
	l, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("creating test ledger: %v", err)
	}
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("closing test ledger: %v", err)
		}
	})
	return l, path
}

func sampleMail(uid string) *model.Mail {
	return &model.Mail{
		UID:         uid,
		Subject:     "Invoice",
		Sender:      "billing@example.com",
		Recipient:   "me@example.com",
		Date:        time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Body:        "see attached",
		Attachments: []string{"/tmp/a.pdf", "/tmp/b.pdf"},
	}
}

func TestRecordAndAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	done, err := l.AlreadyProcessed(ctx, "42")
	if err != nil {
		t.Fatalf("AlreadyProcessed() error = %v", err)
	}
	if done {
		t.Fatal("empty ledger reports uid as processed")
	}

	if err := l.Record(ctx, sampleMail("42")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	done, err = l.AlreadyProcessed(ctx, "42")
	if err != nil {
		t.Fatalf("AlreadyProcessed() error = %v", err)
	}
	if !done {
		t.Fatal("recorded uid not reported as processed")
	}
}

func TestRecord_DuplicateFails(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	if err := l.Record(ctx, sampleMail("7")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	err := l.Record(ctx, sampleMail("7"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Record() error = %v, want ErrDuplicate", err)
	}

	n, err := l.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestList_RoundTripsAttachments(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	older := sampleMail("1")
	newer := sampleMail("2")
	newer.Date = older.Date.Add(24 * time.Hour)
	newer.Attachments = nil

	for _, m := range []*model.Mail{older, newer} {
		if err := l.Record(ctx, m); err != nil {
			t.Fatalf("Record(%s) error = %v", m.UID, err)
		}
	}

	records, err := l.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List() returned %d rows, want 2", len(records))
	}
	if records[0].UID != "2" {
		t.Errorf("first row uid = %s, want newest (2)", records[0].UID)
	}
	if len(records[0].Attachments) != 0 {
		t.Errorf("nil attachments stored as %v", records[0].Attachments)
	}
	if got := records[1].Attachments; len(got) != 2 || got[0] != "/tmp/a.pdf" || got[1] != "/tmp/b.pdf" {
		t.Errorf("attachments = %v", got)
	}
	if records[1].Date != "2024-03-01T09:00:00Z" {
		t.Errorf("date = %q", records[1].Date)
	}

	limited, err := l.List(ctx, 1)
	if err != nil {
		t.Fatalf("List(1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("List(1) returned %d rows", len(limited))
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	l, path := newTestLedger(t)

	if err := l.Record(ctx, sampleMail("persist")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	reopened, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("reopening ledger: %v", err)
	}
	defer reopened.Close()

	done, err := reopened.AlreadyProcessed(ctx, "persist")
	if err != nil {
		t.Fatalf("AlreadyProcessed() error = %v", err)
	}
	if !done {
		t.Error("row missing after reopen")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	if err := l.Record(ctx, sampleMail("9")); err != nil {
		t.Fatal(err)
	}
	_, err := l.db.ExecContext(ctx, "INSERT INTO processed_emails (uid) VALUES (?)", "9")
	if err == nil {
		t.Fatal("duplicate insert succeeded")
	}
	if !isUniqueViolation(fmt.Errorf("wrapped: %w", err)) {
		t.Errorf("isUniqueViolation(%v) = false, want true", err)
	}

	_, err = l.db.ExecContext(ctx, "INSERT INTO no_such_table (uid) VALUES (?)", "9")
	if err == nil {
		t.Fatal("insert into missing table succeeded")
	}
	if isUniqueViolation(err) {
		t.Errorf("isUniqueViolation(%v) = true for a non-constraint error", err)
	}
	if isUniqueViolation(errors.New("UNIQUE constraint failed: processed_emails.uid")) {
		t.Error("isUniqueViolation matched a plain error by its text")
	}
}
