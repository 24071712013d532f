package model

import "time"

// Mail is the backend independent view of one processed message.
type Mail struct {
	// UID is the backend-stable identifier used for deduplication. For IMAP
	// it is the folder UID, for Exchange the Internet Message-ID and for
	// POP3 the UIDL.
	UID       string
	Subject   string
	Sender    string
	Recipient string
	// Date is always stored in UTC.
	Date time.Time
	// Body is the first text/plain part without a Content-Disposition.
	Body string
	// Attachments holds the paths the exporter actually wrote, in message
	// order.
	Attachments []string
}

// DateString renders Date the way it is persisted in the ledger.
func (m *Mail) DateString() string {
	if m.Date.IsZero() {
		return ""
	}
	return m.Date.UTC().Format(time.RFC3339)
}
