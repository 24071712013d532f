package mailbox

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/tracyhatemice/attachhound/internal/export"
)

const (
	testUser     = "user@example.com"
	testPassword = "secret"
)

// startIMAPServer runs an in-memory IMAP server and returns its address.
func startIMAPServer(t *testing.T) string {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPassword)
	_ = user.Create("INBOX", nil)
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go server.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	return ln.Addr().String()
}

func appendMessage(t *testing.T, addr, raw string, flags ...imap.Flag) {
	t.Helper()

	c, err := imapclient.DialInsecure(addr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.Login(testUser, testPassword).Wait(); err != nil {
		t.Fatalf("login: %v", err)
	}

	cmd := c.Append("INBOX", int64(len(raw)), &imap.AppendOptions{Flags: flags})
	if _, err := cmd.Write([]byte(raw)); err != nil {
		t.Fatalf("append write: %v", err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatalf("append close: %v", err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = c.Logout().Wait()
}

func newTestIMAP(t *testing.T, addr string, opts Options) *IMAP {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	if opts.Exporter == nil {
		exp, err := export.New(t.TempDir(), "original", discardLogger())
		if err != nil {
			t.Fatal(err)
		}
		opts.Exporter = exp
	}
	opts.Logger = discardLogger()
	return NewIMAP(host, port, false, opts)
}

func TestIMAP_ConnectBadCredentials(t *testing.T) {
	addr := startIMAPServer(t)
	m := newTestIMAP(t, addr, Options{})

	err := m.Connect(context.Background(), testUser, "wrong")
	if !IsAuthError(err) {
		t.Fatalf("Connect() error = %v, want AuthError", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() after failed connect = %v", err)
	}
}

func TestIMAP_SelectMissingFolder(t *testing.T) {
	addr := startIMAPServer(t)
	m := newTestIMAP(t, addr, Options{})
	ctx := context.Background()

	if err := m.Connect(ctx, testUser, testPassword); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer m.Close()

	if err := m.SelectFolder(ctx, "Does/Not/Exist", false); err == nil {
		t.Fatal("SelectFolder() on missing folder succeeded")
	}
}

func TestIMAP_SearchFetchTrash(t *testing.T) {
	addr := startIMAPServer(t)
	appendMessage(t, addr, crlf(multipartMessage))
	appendMessage(t, addr, crlf("From: b@example.com\nSubject: read already\nDate: Wed, 06 Mar 2024 10:00:00 +0000\n\nold news"), imap.FlagSeen)
	appendMessage(t, addr, crlf("From: c@example.com\nSubject: plain\nDate: Thu, 07 Mar 2024 10:00:00 +0000\n\nno files"))

	exportDir := t.TempDir()
	exp, err := export.New(exportDir, "simple", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	m := newTestIMAP(t, addr, Options{Exporter: exp, Delete: true})
	ctx := context.Background()

	if err := m.Connect(ctx, testUser, testPassword); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.SelectFolder(ctx, "INBOX", false); err != nil {
		t.Fatalf("SelectFolder() error = %v", err)
	}

	all, err := m.Search(ctx, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Search(ALL) = %v, want 3 ids", all)
	}

	unread, err := m.Search(ctx, Filters{"is_read": false, "nonexistent_key": 1})
	if err != nil {
		t.Fatalf("Search(unread) error = %v", err)
	}
	if len(unread) != 2 || unread[0] != all[0] || unread[1] != all[2] {
		t.Fatalf("Search(unread) = %v, want [%s %s]", unread, all[0], all[2])
	}

	mail, err := m.GetMail(ctx, all[0])
	if err != nil {
		t.Fatalf("GetMail() error = %v", err)
	}
	if mail == nil {
		t.Fatal("GetMail() returned nil for an existing message")
	}
	if mail.Subject != "Rechnung März" || len(mail.Attachments) != 2 {
		t.Errorf("GetMail() = %+v", mail)
	}
	for _, path := range mail.Attachments {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("attachment %s not written: %v", path, err)
		}
	}

	missing, err := m.GetMail(ctx, "4242")
	if err != nil || missing != nil {
		t.Errorf("GetMail(missing) = %v, %v; want nil, nil", missing, err)
	}

	if err := m.Trash(ctx, all[0]); err != nil {
		t.Fatalf("Trash() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	check := newTestIMAP(t, addr, Options{})
	if err := check.Connect(ctx, testUser, testPassword); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer check.Close()
	if err := check.SelectFolder(ctx, "INBOX", false); err != nil {
		t.Fatalf("SelectFolder() error = %v", err)
	}
	remaining, err := check.Search(ctx, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("after expunge Search() = %v, want 2 ids", remaining)
	}
}

func TestIMAP_TrashRequiresDelete(t *testing.T) {
	m := NewIMAP("localhost", 993, true, Options{Logger: discardLogger()})
	if err := m.Trash(context.Background(), "1"); err == nil {
		t.Fatal("Trash() without deletion enabled succeeded")
	}
}
