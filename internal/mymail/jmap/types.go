package jmap

import (
	"encoding/json"
	"time"
)

// Mailbox is the server representation of a mailbox. ParentID stays a plain
// identifier; the hierarchy is never materialized as a pointer graph.
type Mailbox struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	ParentID      *string         `json:"parentId"`
	Role          *string         `json:"role"`
	SortOrder     int             `json:"sortOrder"`
	TotalEmails   int             `json:"totalEmails"`
	UnreadEmails  int             `json:"unreadEmails"`
	TotalThreads  int             `json:"totalThreads"`
	UnreadThreads int             `json:"unreadThreads"`
	MyRights      json.RawMessage `json:"myRights,omitempty"`
	IsSubscribed  bool            `json:"isSubscribed"`
}

// EmailAddress is a single name/email pair.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// BodyValue is a decoded body part payload.
type BodyValue struct {
	Value             string `json:"value"`
	IsEncodingProblem bool   `json:"isEncodingProblem,omitempty"`
	IsTruncated       bool   `json:"isTruncated,omitempty"`
}

// BodyPart describes one node of the MIME structure.
type BodyPart struct {
	PartID      *string    `json:"partId"`
	BlobID      *string    `json:"blobId"`
	Size        int        `json:"size"`
	Name        *string    `json:"name"`
	Type        string     `json:"type"`
	Charset     *string    `json:"charset,omitempty"`
	Disposition *string    `json:"disposition"`
	CID         *string    `json:"cid"`
	SubParts    []BodyPart `json:"subParts,omitempty"`
}

// Email is the server representation of an email. Bulk sync fetches only
// the envelope projection; the deep body fields stay empty until a detail
// fetch asks for them.
type Email struct {
	ID            string          `json:"id"`
	BlobID        string          `json:"blobId,omitempty"`
	ThreadID      string          `json:"threadId"`
	MailboxIDs    map[string]bool `json:"mailboxIds"`
	Keywords      map[string]bool `json:"keywords,omitempty"`
	From          []EmailAddress  `json:"from,omitempty"`
	To            []EmailAddress  `json:"to,omitempty"`
	Cc            []EmailAddress  `json:"cc,omitempty"`
	Bcc           []EmailAddress  `json:"bcc,omitempty"`
	ReplyTo       []EmailAddress  `json:"replyTo,omitempty"`
	Subject       string          `json:"subject"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
	Size          int             `json:"size,omitempty"`
	Preview       string          `json:"preview,omitempty"`
	HasAttachment bool            `json:"hasAttachment,omitempty"`

	// Deep fetch only.
	BodyValues    map[string]BodyValue `json:"bodyValues,omitempty"`
	TextBody      []BodyPart           `json:"textBody,omitempty"`
	HTMLBody      []BodyPart           `json:"htmlBody,omitempty"`
	Attachments   []BodyPart           `json:"attachments,omitempty"`
	BodyStructure *BodyPart            `json:"bodyStructure,omitempty"`
}

// Identity is a sending identity registered on the server.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// DraftAttachment references an uploaded blob to attach to a draft.
type DraftAttachment struct {
	BlobID string `json:"blobId"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Draft is the full outgoing-message description a client edits. It is the
// authoritative payload stored locally; the remote Drafts copy mirrors it.
type Draft struct {
	IdentityID  string            `json:"identityId,omitempty"`
	MailboxID   string            `json:"mailboxId"`
	From        []EmailAddress    `json:"from,omitempty"`
	To          []EmailAddress    `json:"to,omitempty"`
	Cc          []EmailAddress    `json:"cc,omitempty"`
	Bcc         []EmailAddress    `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	TextBody    string            `json:"textBody,omitempty"`
	HTMLBody    string            `json:"htmlBody,omitempty"`
	InReplyTo   []string          `json:"inReplyTo,omitempty"`
	References  []string          `json:"references,omitempty"`
	Attachments []DraftAttachment `json:"attachments,omitempty"`
}

// HasRecipients reports whether any of To/Cc/Bcc is non-empty.
func (d *Draft) HasRecipients() bool {
	return len(d.To) > 0 || len(d.Cc) > 0 || len(d.Bcc) > 0
}

// EmailQuerySort names a sortable column for Email/query.
type EmailQuerySort struct {
	Property    string `json:"property"`
	IsAscending bool   `json:"isAscending"`
}

// EmailQuery is the client-facing query description for Email/query.
type EmailQuery struct {
	AnchorID      string           `json:"anchorId,omitempty"`
	MailboxID     string           `json:"mailboxId,omitempty"`
	SearchKeyword string           `json:"searchKeyword,omitempty"`
	Sorts         []EmailQuerySort `json:"sorts,omitempty"`
	Limit         int              `json:"limit,omitempty"`
}

// SortReceivedAtDesc is the default newest-first ordering.
func SortReceivedAtDesc() []EmailQuerySort {
	return []EmailQuerySort{{Property: "receivedAt", IsAscending: false}}
}

// QueryResponse is the shared shape of Mailbox/query and Email/query
// responses.
type QueryResponse struct {
	AccountID  string   `json:"accountId"`
	QueryState string   `json:"queryState"`
	IDs        []string `json:"ids"`
	Position   int      `json:"position"`
	Total      int      `json:"total,omitempty"`
}

// ChangesResponse is the shared shape of Mailbox/changes and Email/changes
// responses.
type ChangesResponse struct {
	AccountID      string   `json:"accountId"`
	OldState       string   `json:"oldState"`
	NewState       string   `json:"newState"`
	HasMoreChanges bool     `json:"hasMoreChanges"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Destroyed      []string `json:"destroyed"`
}

// MailboxGetResponse is the Mailbox/get response.
type MailboxGetResponse struct {
	AccountID string    `json:"accountId"`
	State     string    `json:"state"`
	List      []Mailbox `json:"list"`
	NotFound  []string  `json:"notFound"`
}

// EmailGetResponse is the Email/get response.
type EmailGetResponse struct {
	AccountID string   `json:"accountId"`
	State     string   `json:"state"`
	List      []Email  `json:"list"`
	NotFound  []string `json:"notFound"`
}

// emailSetResponse is the Email/set response; only the pieces the engine
// reads are decoded.
type emailSetResponse struct {
	Created    map[string]Email     `json:"created"`
	NotCreated map[string]*SetError `json:"notCreated"`
	Destroyed  []string             `json:"destroyed"`
}

// identityGetResponse is the Identity/get response.
type identityGetResponse struct {
	List []Identity `json:"list"`
}

// submissionSetResponse is the EmailSubmission/set response.
type submissionSetResponse struct {
	Created map[string]struct {
		ID string `json:"id"`
	} `json:"created"`
	NotCreated map[string]*SetError `json:"notCreated"`
}

// defaultEmailProperties is the envelope projection fetched during bulk
// sync. Body payloads come later through the detail fetcher.
var defaultEmailProperties = []string{
	"id", "blobId", "threadId", "mailboxIds", "keywords",
	"from", "to", "cc", "bcc", "replyTo",
	"subject", "receivedAt", "sentAt", "size", "preview", "hasAttachment",
}

// detailEmailProperties is the deep fetch for a single email.
var detailEmailProperties = []string{
	"id", "blobId", "threadId", "bodyValues", "textBody", "htmlBody",
	"attachments", "bodyStructure",
}
