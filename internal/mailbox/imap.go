package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/tracyhatemice/attachhound/internal/model"
)

// imapDateLayout is the DD-Mon-YYYY form used by IMAP search keys.
const imapDateLayout = "02-Jan-2006"

// IMAP is a Mailbox backed by an IMAP4 server.
type IMAP struct {
	base
	host   string
	port   int
	useTLS bool

	client *imapclient.Client
	folder string
	now    func() time.Time
}

// NewIMAP creates an IMAP mailbox for host:port.
func NewIMAP(host string, port int, useTLS bool, opts Options) *IMAP {
	m := &IMAP{
		base:   newBase("imap", opts),
		host:   host,
		port:   port,
		useTLS: useTLS,
		now:    time.Now,
	}
	m.logger.Debug("using IMAP server", "host", host, "port", port, "tls", useTLS)
	return m
}

func (m *IMAP) Connect(_ context.Context, address, secret string) error {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	m.logger.Info("connecting to IMAP server", "addr", addr)

	var (
		client *imapclient.Client
		err    error
	)
	if m.useTLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: m.host},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("imap connect %s: %w", addr, err)
	}

	if err := client.Login(address, secret).Wait(); err != nil {
		client.Close()
		return &AuthError{
			Backend: "imap",
			Message: fmt.Sprintf("login failed for %s: %v", address, err),
		}
	}

	m.client = client
	m.logger.Info("connected", "addr", addr)
	return nil
}

func (m *IMAP) SelectFolder(_ context.Context, name string, _ bool) error {
	if m.client == nil {
		return ErrNotConnected
	}

	m.logger.Info("selecting folder", "folder", name)
	if _, err := m.client.Select(name, nil).Wait(); err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) &&
			(imapErr.Code == imap.ResponseCodeNonExistent || imapErr.Type == imap.StatusResponseTypeNo) {
			return fmt.Errorf("imap select %s: %w", name, ErrFolderNotFound)
		}
		return fmt.Errorf("imap select %s: %w", name, err)
	}
	m.folder = name
	return nil
}

func (m *IMAP) Search(_ context.Context, filters Filters) ([]string, error) {
	if m.client == nil {
		return nil, ErrNotConnected
	}
	if m.folder == "" {
		return nil, ErrNoFolder
	}

	criteria := imapCriteria(ParseFilters(filters, m.now(), m.logger))
	m.logger.Debug("searching", "folder", m.folder, "query", describeCriteria(criteria))

	data, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search in %s: %w", m.folder, err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	m.logger.Info("search complete", "folder", m.folder, "found", len(ids))
	return ids, nil
}

// imapCriteria translates Criteria into IMAP search keys. An empty
// Criteria yields ALL.
func imapCriteria(c Criteria) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if c.IsRead != nil {
		if *c.IsRead {
			criteria.Flag = []imap.Flag{imap.FlagSeen}
		} else {
			criteria.NotFlag = []imap.Flag{imap.FlagSeen}
		}
	}
	if !c.Before.IsZero() {
		criteria.Before = c.Before
	}
	if !c.After.IsZero() {
		criteria.Since = c.After
	}
	return criteria
}

// describeCriteria renders criteria as IMAP search keys for logging.
func describeCriteria(c *imap.SearchCriteria) string {
	var keys []string
	for _, f := range c.Flag {
		if f == imap.FlagSeen {
			keys = append(keys, "SEEN")
		}
	}
	for _, f := range c.NotFlag {
		if f == imap.FlagSeen {
			keys = append(keys, "UNSEEN")
		}
	}
	if !c.Before.IsZero() {
		keys = append(keys, "BEFORE "+c.Before.Format(imapDateLayout))
	}
	if !c.Since.IsZero() {
		keys = append(keys, "SINCE "+c.Since.Format(imapDateLayout))
	}
	if len(keys) == 0 {
		return "ALL"
	}
	return strings.Join(keys, " ")
}

func (m *IMAP) GetMail(_ context.Context, uid string) (*model.Mail, error) {
	if m.client == nil {
		return nil, ErrNotConnected
	}
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid imap uid %q: %w", uid, err)
	}

	m.logger.Info("fetching message", "uid", uid, "folder", m.folder)
	section := &imap.FetchItemBodySection{Peek: !m.opts.MarkRead}
	buffers, err := m.client.Fetch(imap.UIDSetNum(imap.UID(n)), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch uid %s: %w", uid, err)
	}
	if len(buffers) == 0 {
		m.logger.Warn("message no longer exists", "uid", uid, "folder", m.folder)
		return nil, nil
	}

	raw := buffers[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("imap fetch uid %s: empty body", uid)
	}

	mail, err := m.extract(uid, bytes.NewReader(raw), buffers[0].InternalDate)
	if err != nil {
		return nil, err
	}
	return m.keep(mail), nil
}

func (m *IMAP) Trash(_ context.Context, uid string) error {
	if !m.opts.Delete {
		return fmt.Errorf("trash uid %s: deletion not enabled", uid)
	}
	if m.client == nil {
		return ErrNotConnected
	}
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid imap uid %q: %w", uid, err)
	}

	err = m.client.Store(imap.UIDSetNum(imap.UID(n)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("flag uid %s deleted: %w", uid, err)
	}
	m.logger.Info("message flagged for deletion", "uid", uid, "folder", m.folder)
	return nil
}

// Close expunges when deletion was enabled, then logs out.
func (m *IMAP) Close() error {
	if m.client == nil {
		return nil
	}
	client := m.client
	m.client = nil

	if m.opts.Delete && m.folder != "" {
		if err := client.Expunge().Close(); err != nil {
			m.logger.Error("expunge failed", "folder", m.folder, "error", err)
		}
	}
	if err := client.Logout().Wait(); err != nil {
		m.logger.Debug("logout failed", "error", err)
	}
	m.folder = ""
	if err := client.Close(); err != nil {
		m.logger.Debug("close failed", "error", err)
	}
	m.logger.Info("disconnected")
	return nil
}
