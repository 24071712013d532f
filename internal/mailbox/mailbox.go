package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tracyhatemice/attachhound/internal/export"
	"github.com/tracyhatemice/attachhound/internal/model"
)

// Mailbox is a connection to one remote mailbox. Implementations are not
// safe for concurrent use.
type Mailbox interface {
	// Connect opens a session. Bad credentials yield an *AuthError.
	Connect(ctx context.Context, address, secret string) error

	// SelectFolder binds later calls to one folder. public is only
	// meaningful for Exchange.
	SelectFolder(ctx context.Context, name string, public bool) error

	// Search returns the ids of messages matching filters.
	Search(ctx context.Context, filters Filters) ([]string, error)

	// GetMail fetches one message, exports its attachments and returns
	// the resulting Mail. It returns (nil, nil) when uid no longer
	// resolves to a message.
	GetMail(ctx context.Context, uid string) (*model.Mail, error)

	// Trash marks uid for deletion. Callers only invoke it when deletion
	// was requested for the run.
	Trash(ctx context.Context, uid string) error

	// Close releases the session. It is safe to call on a mailbox that
	// never connected.
	Close() error
}

var (
	// ErrFolderNotFound is returned by SelectFolder for a missing folder.
	ErrFolderNotFound = errors.New("folder not found")
	// ErrNotConnected is returned when an operation needs a session.
	ErrNotConnected = errors.New("mailbox not connected")
	// ErrNoFolder is returned when an operation needs a selected folder.
	ErrNoFolder = errors.New("no folder selected")
	// ErrDateParse is returned when a message Date header matches none of
	// the known layouts.
	ErrDateParse = errors.New("unparseable message date")
)

// AuthError indicates that the server rejected the credentials.
type AuthError struct {
	Backend string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Backend, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Options are shared by every backend.
type Options struct {
	Exporter *export.Exporter
	// SkipAttachmentless makes GetMail report messages without any
	// attachment as absent.
	SkipAttachmentless bool
	// MarkRead marks fetched messages as read where the backend supports it.
	MarkRead bool
	// Delete enables Trash and the expunge on Close for this session.
	Delete bool
	Logger *slog.Logger
}

// base carries behaviour common to all backends.
type base struct {
	opts   Options
	logger *slog.Logger
}

func newBase(backend string, opts Options) base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return base{opts: opts, logger: logger.With("backend", backend)}
}

// keep applies the attachment-less policy to a fully extracted mail.
func (b *base) keep(m *model.Mail) *model.Mail {
	if b.opts.SkipAttachmentless && len(m.Attachments) == 0 {
		b.logger.Info("skipping message without attachments", "uid", m.UID)
		return nil
	}
	return m
}
