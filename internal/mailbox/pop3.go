package mailbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	pop3client "github.com/knadh/go-pop3"

	"github.com/tracyhatemice/attachhound/internal/model"
)

// POP3 is a Mailbox backed by a POP3 server. POP3 has a single folder and
// no read state, so is_read filters are dropped and date filters are
// applied client side from the message headers.
type POP3 struct {
	base
	host   string
	port   int
	useTLS bool

	conn *pop3client.Conn
	// ids maps UIDL values to message numbers of the current session.
	ids map[string]int
	now func() time.Time
}

// NewPOP3 creates a POP3 mailbox for host:port.
func NewPOP3(host string, port int, useTLS bool, opts Options) *POP3 {
	return &POP3{
		base:   newBase("pop3", opts),
		host:   host,
		port:   port,
		useTLS: useTLS,
		now:    time.Now,
	}
}

func (m *POP3) Connect(_ context.Context, address, secret string) error {
	m.logger.Info("connecting to POP3 server", "host", m.host, "port", m.port)

	client := pop3client.New(pop3client.Opt{
		Host:       m.host,
		Port:       m.port,
		TLSEnabled: m.useTLS,
	})
	conn, err := client.NewConn()
	if err != nil {
		return fmt.Errorf("pop3 connect %s:%d: %w", m.host, m.port, err)
	}

	if err := conn.Auth(address, secret); err != nil {
		_ = conn.Quit()
		return &AuthError{
			Backend: "pop3",
			Message: fmt.Sprintf("auth failed for %s: %v", address, err),
		}
	}

	m.conn = conn
	m.ids = make(map[string]int)
	return nil
}

func (m *POP3) SelectFolder(_ context.Context, name string, _ bool) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	if !strings.EqualFold(name, "INBOX") {
		return fmt.Errorf("pop3 folder %s: %w", name, ErrFolderNotFound)
	}
	return nil
}

func (m *POP3) Search(_ context.Context, filters Filters) ([]string, error) {
	if m.conn == nil {
		return nil, ErrNotConnected
	}

	criteria := ParseFilters(filters, m.now(), m.logger)
	if criteria.IsRead != nil {
		m.logger.Warn("pop3 has no read state, is_read filter ignored")
	}

	if err := m.refresh(); err != nil {
		return nil, err
	}

	var uids []string
	for uid, id := range m.ids {
		if criteria.Before.IsZero() && criteria.After.IsZero() {
			uids = append(uids, uid)
			continue
		}
		date, err := m.headerDate(id)
		if err != nil {
			m.logger.Warn("cannot read message date, skipping", "uid", uid, "error", err)
			continue
		}
		if !criteria.Before.IsZero() && !date.Before(criteria.Before) {
			continue
		}
		if !criteria.After.IsZero() && !date.After(criteria.After) {
			continue
		}
		uids = append(uids, uid)
	}

	sort.Slice(uids, func(i, j int) bool { return m.ids[uids[i]] < m.ids[uids[j]] })
	m.logger.Info("search complete", "found", len(uids))
	return uids, nil
}

func (m *POP3) refresh() error {
	msgs, err := m.conn.Uidl(0)
	if err != nil {
		return fmt.Errorf("pop3 uidl: %w", err)
	}
	m.ids = make(map[string]int, len(msgs))
	for _, msg := range msgs {
		m.ids[msg.UID] = msg.ID
	}
	return nil
}

func (m *POP3) headerDate(id int) (time.Time, error) {
	entity, err := m.conn.Top(id, 0)
	if err != nil {
		return time.Time{}, fmt.Errorf("pop3 top %d: %w", id, err)
	}
	return messageDate(mail.Header{Header: entity.Header})
}

func (m *POP3) GetMail(_ context.Context, uid string) (*model.Mail, error) {
	if m.conn == nil {
		return nil, ErrNotConnected
	}

	id, ok := m.ids[uid]
	if !ok {
		if err := m.refresh(); err != nil {
			return nil, err
		}
		if id, ok = m.ids[uid]; !ok {
			m.logger.Warn("message no longer exists", "uid", uid)
			return nil, nil
		}
	}

	m.logger.Info("fetching message", "uid", uid)
	raw, err := m.conn.RetrRaw(id)
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %s: %w", uid, err)
	}

	msg, err := m.extract(uid, raw, time.Time{})
	if err != nil {
		return nil, err
	}
	return m.keep(msg), nil
}

func (m *POP3) Trash(_ context.Context, uid string) error {
	if !m.opts.Delete {
		return fmt.Errorf("trash uid %s: deletion not enabled", uid)
	}
	if m.conn == nil {
		return ErrNotConnected
	}
	id, ok := m.ids[uid]
	if !ok {
		return fmt.Errorf("trash uid %s: unknown message", uid)
	}
	if err := m.conn.Dele(id); err != nil {
		return fmt.Errorf("pop3 dele %s: %w", uid, err)
	}
	m.logger.Info("message marked for deletion", "uid", uid)
	return nil
}

// Close ends the session; the server commits DELE marks on QUIT.
func (m *POP3) Close() error {
	if m.conn == nil {
		return nil
	}
	conn := m.conn
	m.conn = nil
	m.ids = nil
	if err := conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}
