package export

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tracyhatemice/attachhound/internal/filename"
)

// Attachment describes one attachment about to be written.
type Attachment struct {
	Sender   string
	Subject  string
	Date     time.Time
	Filename string
}

// Naming decides where an attachment belongs inside dir.
type Naming func(dir string, a Attachment) string

var namings = map[string]Naming{
	"simple":   Simple,
	"original": Original,
}

// Namings returns the registered naming policy names.
func Namings() []string {
	names := make([]string, 0, len(namings))
	for name := range namings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Simple names files {subject}_{sender}_{date}_{filename}.
func Simple(dir string, a Attachment) string {
	prefix := filename.Sanitize(fmt.Sprintf("%s_%s_%s", a.Subject, a.Sender, isoDate(a.Date)))
	return filepath.Join(dir, prefix+"_"+filename.Sanitize(a.Filename))
}

// Original keeps only the sanitized attachment filename.
func Original(dir string, a Attachment) string {
	name := filename.Sanitize(a.Filename)
	switch name {
	case "", ".", "..":
		name = "attachment"
	}
	return filepath.Join(dir, name)
}

func isoDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Exporter writes attachment payloads below a single directory.
type Exporter struct {
	dir    string
	naming Naming
	logger *slog.Logger
}

// New creates the export directory and returns an Exporter using the named
// policy.
func New(dir, policy string, logger *slog.Logger) (*Exporter, error) {
	naming, ok := namings[policy]
	if !ok {
		return nil, fmt.Errorf("unknown naming policy %q (available: %v)", policy, Namings())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &Exporter{dir: filepath.Clean(dir), naming: naming, logger: logger}, nil
}

// Dir returns the export directory.
func (e *Exporter) Dir() string {
	return e.dir
}

// OutputPath returns where a is stored before collision handling.
func (e *Exporter) OutputPath(a Attachment) string {
	return e.naming(e.dir, a)
}

// Write stores payload and returns the path actually used, which carries a
// numeric suffix when the preferred path was already taken. Paths that would
// leave the export directory are rejected.
func (e *Exporter) Write(a Attachment, payload []byte) (string, error) {
	path := filename.Increment(e.OutputPath(a))
	if filepath.Dir(path) != e.dir {
		return "", fmt.Errorf("attachment %q resolves outside %s", a.Filename, e.dir)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write attachment %s: %w", path, err)
	}
	e.logger.Info("attachment saved", "path", path, "bytes", len(payload))
	return path, nil
}
