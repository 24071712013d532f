package mailbox

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/go-ntlmssp"
)

const (
	nsSoap     = "http://schemas.xmlsoap.org/soap/envelope/"
	nsTypes    = "http://schemas.microsoft.com/exchange/services/2006/types"
	nsMessages = "http://schemas.microsoft.com/exchange/services/2006/messages"

	ewsServerVersion = "Exchange2013_SP1"
	ewsPath          = "/EWS/Exchange.asmx"
)

// Request side. Element names carry the t: and m: prefixes declared on the
// envelope.

type soapEnvelope struct {
	XMLName  xml.Name   `xml:"soap:Envelope"`
	Soap     string     `xml:"xmlns:soap,attr"`
	Types    string     `xml:"xmlns:t,attr"`
	Messages string     `xml:"xmlns:m,attr"`
	Header   soapHeader `xml:"soap:Header"`
	Body     soapBody   `xml:"soap:Body"`
}

type soapHeader struct {
	Version requestServerVersion `xml:"t:RequestServerVersion"`
}

type requestServerVersion struct {
	Version string `xml:"Version,attr"`
}

type soapBody struct {
	Content any
}

type fieldURI struct {
	FieldURI string `xml:"FieldURI,attr"`
}

type constant struct {
	Value string `xml:"Value,attr"`
}

// condition is one comparison; XMLName selects IsEqualTo, IsLessThan, ...
type condition struct {
	XMLName  xml.Name
	Field    fieldURI `xml:"t:FieldURI"`
	Constant constant `xml:"t:FieldURIOrConstant>t:Constant"`
}

type conditionList struct {
	Conditions []condition
}

type restriction struct {
	And        *conditionList `xml:"t:And"`
	Conditions []condition
}

type folderShape struct {
	BaseShape string `xml:"t:BaseShape"`
}

type additionalProperties struct {
	Fields []fieldURI `xml:"t:FieldURI"`
}

type itemShape struct {
	BaseShape            string                `xml:"t:BaseShape"`
	BodyType             string                `xml:"t:BodyType,omitempty"`
	AdditionalProperties *additionalProperties `xml:"t:AdditionalProperties"`
}

type fieldOrder struct {
	Order string   `xml:"Order,attr"`
	Field fieldURI `xml:"t:FieldURI"`
}

type sortOrder struct {
	FieldOrder fieldOrder `xml:"t:FieldOrder"`
}

type distinguishedFolderID struct {
	ID string `xml:"Id,attr"`
}

type folderID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr,omitempty"`
}

// folderRef points at either a distinguished folder or a concrete one.
type folderRef struct {
	Distinguished *distinguishedFolderID `xml:"t:DistinguishedFolderId"`
	Folder        *folderID              `xml:"t:FolderId"`
}

type itemID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr,omitempty"`
}

type itemIDs struct {
	Items []itemID `xml:"t:ItemId"`
}

type attachmentID struct {
	ID string `xml:"Id,attr"`
}

type getFolderRequest struct {
	XMLName     xml.Name    `xml:"m:GetFolder"`
	FolderShape folderShape `xml:"m:FolderShape"`
	FolderIDs   folderRef   `xml:"m:FolderIds"`
}

type findFolderRequest struct {
	XMLName     xml.Name     `xml:"m:FindFolder"`
	Traversal   string       `xml:"Traversal,attr"`
	FolderShape folderShape  `xml:"m:FolderShape"`
	Restriction *restriction `xml:"m:Restriction"`
	Parent      folderRef    `xml:"m:ParentFolderIds"`
}

type findItemRequest struct {
	XMLName     xml.Name     `xml:"m:FindItem"`
	Traversal   string       `xml:"Traversal,attr"`
	ItemShape   itemShape    `xml:"m:ItemShape"`
	Restriction *restriction `xml:"m:Restriction"`
	SortOrder   *sortOrder   `xml:"m:SortOrder"`
	Parent      folderRef    `xml:"m:ParentFolderIds"`
}

type getItemRequest struct {
	XMLName   xml.Name  `xml:"m:GetItem"`
	ItemShape itemShape `xml:"m:ItemShape"`
	ItemIDs   itemIDs   `xml:"m:ItemIds"`
}

type getAttachmentRequest struct {
	XMLName       xml.Name       `xml:"m:GetAttachment"`
	AttachmentIDs []attachmentID `xml:"m:AttachmentIds>t:AttachmentId"`
}

type setIsRead struct {
	Field  fieldURI `xml:"t:FieldURI"`
	IsRead bool     `xml:"t:Message>t:IsRead"`
}

type itemChange struct {
	ItemID itemID    `xml:"t:ItemId"`
	Set    setIsRead `xml:"t:Updates>t:SetItemField"`
}

type updateItemRequest struct {
	XMLName            xml.Name     `xml:"m:UpdateItem"`
	MessageDisposition string       `xml:"MessageDisposition,attr"`
	ConflictResolution string       `xml:"ConflictResolution,attr"`
	Changes            []itemChange `xml:"m:ItemChanges>t:ItemChange"`
}

type deleteItemRequest struct {
	XMLName    xml.Name `xml:"m:DeleteItem"`
	DeleteType string   `xml:"DeleteType,attr"`
	ItemIDs    itemIDs  `xml:"m:ItemIds"`
}

// Response side. Matching is by local name only.

type responseEnvelope struct {
	Body struct {
		Fault    *soapFault `xml:"Fault"`
		Response struct {
			Messages struct {
				Items []responseMessage `xml:",any"`
			} `xml:"ResponseMessages"`
		} `xml:",any"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type responseMessage struct {
	ResponseClass string      `xml:"ResponseClass,attr"`
	ResponseCode  string      `xml:"ResponseCode"`
	MessageText   string      `xml:"MessageText"`
	Folders       []ewsFolder `xml:"Folders>Folder"`
	RootFolder    struct {
		Folders []ewsFolder  `xml:"Folders>Folder"`
		Items   []ewsMessage `xml:"Items>Message"`
	} `xml:"RootFolder"`
	Items       []ewsMessage        `xml:"Items>Message"`
	Attachments []ewsFileAttachment `xml:"Attachments>FileAttachment"`
}

type ewsFolder struct {
	FolderID    folderID `xml:"FolderId"`
	DisplayName string   `xml:"DisplayName"`
}

type ewsMessage struct {
	ItemID            itemID              `xml:"ItemId"`
	Subject           string              `xml:"Subject"`
	Body              string              `xml:"Body"`
	DateTimeReceived  string              `xml:"DateTimeReceived"`
	InternetMessageID string              `xml:"InternetMessageId"`
	Sender            string              `xml:"Sender>Mailbox>EmailAddress"`
	ToRecipients      []string            `xml:"ToRecipients>Mailbox>EmailAddress"`
	Attachments       []ewsFileAttachment `xml:"Attachments>FileAttachment"`
}

type ewsFileAttachment struct {
	AttachmentID attachmentID `xml:"AttachmentId"`
	Name         string       `xml:"Name"`
	ContentType  string       `xml:"ContentType"`
	Content      string       `xml:"Content"`
}

// ewsError is an Error ResponseClass returned for one response message.
type ewsError struct {
	Code string
	Text string
}

func (e *ewsError) Error() string {
	return fmt.Sprintf("ews %s: %s", e.Code, e.Text)
}

func isItemNotFound(err error) bool {
	var e *ewsError
	return errors.As(err, &e) && e.Code == "ErrorItemNotFound"
}

func isFolderNotFound(err error) bool {
	var e *ewsError
	return errors.As(err, &e) && e.Code == "ErrorFolderNotFound"
}

// checkMessages returns the first Error response message.
func checkMessages(msgs []responseMessage) error {
	for _, msg := range msgs {
		if msg.ResponseClass == "Error" {
			return &ewsError{Code: msg.ResponseCode, Text: msg.MessageText}
		}
	}
	return nil
}

// ewsClient posts SOAP requests to one EWS endpoint. Autodiscover is never
// used; the endpoint is derived from the configured server.
type ewsClient struct {
	endpoint string
	username string
	password string
	http     *http.Client
}

func newEWSClient(server, username, password string) *ewsClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &ewsClient{
		endpoint: ewsEndpoint(server),
		username: username,
		password: password,
		http: &http.Client{
			Transport: ntlmssp.Negotiator{RoundTripper: transport},
			Timeout:   2 * time.Minute,
		},
	}
}

// ewsEndpoint accepts a bare host, a base URL or a full endpoint URL.
func ewsEndpoint(server string) string {
	s := strings.TrimRight(server, "/")
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	if strings.HasSuffix(strings.ToLower(s), ".asmx") {
		return s
	}
	return s + ewsPath
}

func (c *ewsClient) call(ctx context.Context, action string, request any) ([]responseMessage, error) {
	payload, err := xml.Marshal(soapEnvelope{
		Soap:     nsSoap,
		Types:    nsTypes,
		Messages: nsMessages,
		Header:   soapHeader{Version: requestServerVersion{Version: ewsServerVersion}},
		Body:     soapBody{Content: request},
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", nsMessages+"/"+action)
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ews %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthError{
			Backend: "exchange",
			Message: fmt.Sprintf("server rejected credentials for %s", c.username),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", action, err)
	}

	var env responseEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("ews %s: unexpected status %s", action, resp.Status)
		}
		return nil, fmt.Errorf("decode %s response: %w", action, err)
	}
	if f := env.Body.Fault; f != nil {
		return nil, fmt.Errorf("ews %s fault %s: %s", action, f.Code, f.String)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ews %s: unexpected status %s", action, resp.Status)
	}

	msgs := env.Body.Response.Messages.Items
	if err := checkMessages(msgs); err != nil {
		return msgs, err
	}
	return msgs, nil
}
