package mailbox

import (
	"fmt"
	"io"
	"mime"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/tracyhatemice/attachhound/internal/export"
	"github.com/tracyhatemice/attachhound/internal/model"
)

// wordDecoder decodes RFC 2047 encoded-words using go-message's charset
// tables (windows-1252, iso-8859-*, koi8-r, ...).
var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

func decodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// messageDate parses the Date header into UTC. Obsolete RFC 5322 forms
// such as two-digit years and the UT zone are accepted.
func messageDate(h mail.Header) (time.Time, error) {
	t, err := h.Date()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrDateParse, h.Get("Date"))
	}
	return t.UTC(), nil
}

// extract parses a raw RFC 5322 message, writes its attachments through the
// exporter and returns the resulting Mail. fallbackDate is used when the
// message carries no Date header.
func (b *base) extract(uid string, raw io.Reader, fallbackDate time.Time) (*model.Mail, error) {
	entity, err := message.Read(raw)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message %s: %w", uid, err)
	}

	h := mail.Header{Header: entity.Header}
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}

	m := &model.Mail{
		UID:       uid,
		Subject:   subject,
		Sender:    decodeHeader(h.Get("From")),
		Recipient: decodeHeader(h.Get("To")),
	}
	if !fallbackDate.IsZero() {
		m.Date = fallbackDate.UTC()
	}
	if h.Get("Date") != "" {
		if m.Date, err = messageDate(h); err != nil {
			return nil, fmt.Errorf("message %s: %w", uid, err)
		}
	}

	w := &walker{base: b, mail: m}
	if err := w.walk(entity, true); err != nil {
		return nil, err
	}
	return m, nil
}

// walker performs the depth-first traversal of one message.
type walker struct {
	base      *base
	mail      *model.Mail
	foundBody bool
}

func (w *walker) walk(e *message.Entity, top bool) error {
	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return fmt.Errorf("read part of %s: %w", w.mail.UID, err)
			}
			if err := w.walk(part, false); err != nil {
				return err
			}
		}
	}

	mediaType, ctParams, _ := e.Header.ContentType()
	if e.Header.Get("Content-Disposition") == "" {
		if !w.foundBody && (top || mediaType == "text/plain") {
			body, err := io.ReadAll(e.Body)
			if err != nil {
				return fmt.Errorf("read body of %s: %w", w.mail.UID, err)
			}
			w.mail.Body = string(body)
			w.foundBody = true
		}
		return nil
	}

	_, dispParams, _ := e.Header.ContentDisposition()
	name := dispParams["filename"]
	if name == "" {
		name = ctParams["name"]
	}
	name = decodeHeader(name)
	if name == "" {
		return nil
	}

	payload, err := io.ReadAll(e.Body)
	if err != nil {
		return fmt.Errorf("read attachment %q of %s: %w", name, w.mail.UID, err)
	}
	path, err := w.base.opts.Exporter.Write(export.Attachment{
		Sender:   w.mail.Sender,
		Subject:  w.mail.Subject,
		Date:     w.mail.Date,
		Filename: name,
	}, payload)
	if err != nil {
		return err
	}
	w.mail.Attachments = append(w.mail.Attachments, path)
	return nil
}
