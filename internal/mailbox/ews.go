package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tracyhatemice/attachhound/internal/export"
	"github.com/tracyhatemice/attachhound/internal/model"
)

// Exchange is a Mailbox backed by Exchange Web Services. The protocol is
// stateless, so Close only drops cached state.
type Exchange struct {
	base
	server string

	client *ewsClient
	folder *folderRef
	// items caches Message-ID to EWS item ids from the last Search.
	items map[string]itemID
	now   func() time.Time
}

// NewExchange creates an Exchange mailbox talking to server.
func NewExchange(server string, opts Options) *Exchange {
	m := &Exchange{
		base:   newBase("exchange", opts),
		server: server,
		now:    time.Now,
	}
	m.logger.Debug("using Exchange server", "server", server)
	return m
}

// Connect verifies the credentials by reading the inbox folder.
func (m *Exchange) Connect(ctx context.Context, address, secret string) error {
	client := newEWSClient(m.server, address, secret)
	m.logger.Info("connecting to Exchange server", "endpoint", client.endpoint)

	_, err := client.call(ctx, "GetFolder", getFolderRequest{
		FolderShape: folderShape{BaseShape: "IdOnly"},
		FolderIDs:   folderRef{Distinguished: &distinguishedFolderID{ID: "inbox"}},
	})
	if err != nil {
		if IsAuthError(err) {
			return err
		}
		return fmt.Errorf("exchange connect %s: %w", client.endpoint, err)
	}

	m.client = client
	m.items = make(map[string]itemID)
	m.logger.Info("connected", "endpoint", client.endpoint)
	return nil
}

// SelectFolder walks name, split on '/', below the inbox or, when public is
// set, below the public folders root. "inbox" alone selects the inbox.
func (m *Exchange) SelectFolder(ctx context.Context, name string, public bool) error {
	if m.client == nil {
		return ErrNotConnected
	}

	rootID := "inbox"
	if public {
		rootID = "publicfoldersroot"
		m.logger.Info("selecting a public folder")
	}
	m.logger.Info("selecting folder", "folder", name)

	current := folderRef{Distinguished: &distinguishedFolderID{ID: rootID}}
	trimmed := strings.Trim(name, "/")
	if !public && (trimmed == "" || strings.EqualFold(trimmed, "inbox")) {
		m.folder = &current
		return nil
	}

	for _, segment := range strings.Split(trimmed, "/") {
		msgs, err := m.client.call(ctx, "FindFolder", findFolderRequest{
			Traversal:   "Shallow",
			FolderShape: folderShape{BaseShape: "Default"},
			Restriction: &restriction{Conditions: []condition{
				compare("IsEqualTo", "folder:DisplayName", segment),
			}},
			Parent: current,
		})
		if err != nil {
			if isFolderNotFound(err) {
				return fmt.Errorf("exchange folder %s: %w", name, ErrFolderNotFound)
			}
			return fmt.Errorf("exchange find folder %s: %w", segment, err)
		}

		var found *folderID
		for _, msg := range msgs {
			for _, f := range msg.RootFolder.Folders {
				if f.DisplayName == segment {
					id := f.FolderID
					found = &id
					break
				}
			}
		}
		if found == nil {
			return fmt.Errorf("exchange folder %s: %w", name, ErrFolderNotFound)
		}
		current = folderRef{Folder: found}
	}

	m.folder = &current
	m.logger.Info("selected folder", "folder", name)
	return nil
}

// Search returns Internet Message-IDs, newest first. Without any usable
// filter only unread messages are returned.
func (m *Exchange) Search(ctx context.Context, filters Filters) ([]string, error) {
	if m.client == nil {
		return nil, ErrNotConnected
	}
	if m.folder == nil {
		return nil, ErrNoFolder
	}

	criteria := ParseFilters(filters, m.now(), m.logger)
	if criteria.Empty() {
		unread := false
		criteria.IsRead = &unread
	}

	msgs, err := m.client.call(ctx, "FindItem", findItemRequest{
		Traversal: "Shallow",
		ItemShape: itemShape{
			BaseShape: "IdOnly",
			AdditionalProperties: &additionalProperties{Fields: []fieldURI{
				{FieldURI: "message:InternetMessageId"},
				{FieldURI: "item:DateTimeReceived"},
			}},
		},
		Restriction: ewsRestriction(criteria),
		SortOrder: &sortOrder{FieldOrder: fieldOrder{
			Order: "Descending",
			Field: fieldURI{FieldURI: "item:DateTimeReceived"},
		}},
		Parent: *m.folder,
	})
	if err != nil {
		return nil, fmt.Errorf("exchange search: %w", err)
	}

	var uids []string
	for _, msg := range msgs {
		for _, item := range msg.RootFolder.Items {
			if item.InternetMessageID == "" {
				m.logger.Warn("item without Message-ID skipped", "item", item.ItemID.ID)
				continue
			}
			m.items[item.InternetMessageID] = item.ItemID
			uids = append(uids, item.InternetMessageID)
		}
	}
	m.logger.Info("search complete", "found", len(uids))
	return uids, nil
}

func compare(op, field, value string) condition {
	return condition{
		XMLName:  xml.Name{Local: "t:" + op},
		Field:    fieldURI{FieldURI: field},
		Constant: constant{Value: value},
	}
}

// ewsRestriction translates Criteria into an EWS restriction, or nil when
// nothing is restricted.
func ewsRestriction(c Criteria) *restriction {
	var conds []condition
	if c.IsRead != nil {
		conds = append(conds, compare("IsEqualTo", "message:IsRead", strconv.FormatBool(*c.IsRead)))
	}
	if !c.Before.IsZero() {
		conds = append(conds, compare("IsLessThan", "item:DateTimeReceived", c.Before.UTC().Format(time.RFC3339)))
	}
	if !c.After.IsZero() {
		conds = append(conds, compare("IsGreaterThan", "item:DateTimeReceived", c.After.UTC().Format(time.RFC3339)))
	}

	switch len(conds) {
	case 0:
		return nil
	case 1:
		return &restriction{Conditions: conds}
	default:
		return &restriction{And: &conditionList{Conditions: conds}}
	}
}

// lookup resolves a Message-ID to an item id, asking the server when the
// id was not part of the last search.
func (m *Exchange) lookup(ctx context.Context, uid string) (*itemID, error) {
	if id, ok := m.items[uid]; ok {
		return &id, nil
	}

	msgs, err := m.client.call(ctx, "FindItem", findItemRequest{
		Traversal: "Shallow",
		ItemShape: itemShape{BaseShape: "IdOnly"},
		Restriction: &restriction{Conditions: []condition{
			compare("IsEqualTo", "message:InternetMessageId", uid),
		}},
		Parent: *m.folder,
	})
	if err != nil {
		return nil, fmt.Errorf("exchange lookup %s: %w", uid, err)
	}
	for _, msg := range msgs {
		if len(msg.RootFolder.Items) > 0 {
			id := msg.RootFolder.Items[0].ItemID
			m.items[uid] = id
			return &id, nil
		}
	}
	return nil, nil
}

func (m *Exchange) GetMail(ctx context.Context, uid string) (*model.Mail, error) {
	if m.client == nil {
		return nil, ErrNotConnected
	}
	if m.folder == nil {
		return nil, ErrNoFolder
	}

	m.logger.Info("fetching message", "uid", uid)
	id, err := m.lookup(ctx, uid)
	if err != nil {
		return nil, err
	}
	if id == nil {
		m.logger.Warn("no message found", "uid", uid)
		return nil, nil
	}

	msgs, err := m.client.call(ctx, "GetItem", getItemRequest{
		ItemShape: itemShape{
			BaseShape: "IdOnly",
			BodyType:  "Text",
			AdditionalProperties: &additionalProperties{Fields: []fieldURI{
				{FieldURI: "item:Subject"},
				{FieldURI: "item:Body"},
				{FieldURI: "item:DateTimeReceived"},
				{FieldURI: "item:Attachments"},
				{FieldURI: "message:Sender"},
				{FieldURI: "message:ToRecipients"},
				{FieldURI: "message:InternetMessageId"},
			}},
		},
		ItemIDs: itemIDs{Items: []itemID{*id}},
	})
	if err != nil {
		if isItemNotFound(err) {
			m.logger.Warn("no message found", "uid", uid)
			delete(m.items, uid)
			return nil, nil
		}
		return nil, fmt.Errorf("exchange get item %s: %w", uid, err)
	}
	if len(msgs) == 0 || len(msgs[0].Items) == 0 {
		return nil, nil
	}
	item := msgs[0].Items[0]

	received, err := time.Parse(time.RFC3339, item.DateTimeReceived)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w: %q", uid, ErrDateParse, item.DateTimeReceived)
	}

	mail := &model.Mail{
		UID:     uid,
		Subject: item.Subject,
		Sender:  item.Sender,
		Date:    received.UTC(),
		Body:    item.Body,
	}
	if len(item.ToRecipients) > 0 {
		mail.Recipient = item.ToRecipients[0]
	}

	if err := m.exportAttachments(ctx, mail, item.Attachments); err != nil {
		return nil, err
	}
	if mail = m.keep(mail); mail == nil {
		return nil, nil
	}

	if m.opts.MarkRead {
		if err := m.markRead(ctx, item.ItemID); err != nil {
			m.logger.Warn("could not mark message read", "uid", uid, "error", err)
		}
	}
	return mail, nil
}

func (m *Exchange) exportAttachments(ctx context.Context, mail *model.Mail, refs []ewsFileAttachment) error {
	if len(refs) == 0 {
		return nil
	}

	ids := make([]attachmentID, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.AttachmentID)
	}
	msgs, err := m.client.call(ctx, "GetAttachment", getAttachmentRequest{AttachmentIDs: ids})
	if err != nil {
		return fmt.Errorf("exchange get attachments of %s: %w", mail.UID, err)
	}

	for _, msg := range msgs {
		for _, att := range msg.Attachments {
			payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(att.Content))
			if err != nil {
				return fmt.Errorf("decode attachment %q of %s: %w", att.Name, mail.UID, err)
			}
			path, err := m.opts.Exporter.Write(export.Attachment{
				Sender:   mail.Sender,
				Subject:  mail.Subject,
				Date:     mail.Date,
				Filename: att.Name,
			}, payload)
			if err != nil {
				return err
			}
			mail.Attachments = append(mail.Attachments, path)
		}
	}
	return nil
}

func (m *Exchange) markRead(ctx context.Context, id itemID) error {
	_, err := m.client.call(ctx, "UpdateItem", updateItemRequest{
		MessageDisposition: "SaveOnly",
		ConflictResolution: "AutoResolve",
		Changes: []itemChange{{
			ItemID: id,
			Set: setIsRead{
				Field:  fieldURI{FieldURI: "message:IsRead"},
				IsRead: true,
			},
		}},
	})
	return err
}

func (m *Exchange) Trash(ctx context.Context, uid string) error {
	if !m.opts.Delete {
		return fmt.Errorf("trash uid %s: deletion not enabled", uid)
	}
	if m.client == nil {
		return ErrNotConnected
	}

	id, err := m.lookup(ctx, uid)
	if err != nil {
		return err
	}
	if id == nil {
		return fmt.Errorf("trash uid %s: no such message", uid)
	}

	_, err = m.client.call(ctx, "DeleteItem", deleteItemRequest{
		DeleteType: "HardDelete",
		ItemIDs:    itemIDs{Items: []itemID{*id}},
	})
	if err != nil {
		return fmt.Errorf("exchange delete %s: %w", uid, err)
	}
	delete(m.items, uid)
	m.logger.Info("message deleted", "uid", uid)
	return nil
}

func (m *Exchange) Close() error {
	m.client = nil
	m.folder = nil
	m.items = nil
	return nil
}
