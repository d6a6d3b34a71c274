package jmap

import (
	"context"
	"encoding/json"
	"fmt"
)

// decodeInto unmarshals method response arguments into out.
func decodeInto(method string, args json.RawMessage, out any) error {
	if err := json.Unmarshal(args, out); err != nil {
		return fmt.Errorf("%w: undecodable %s response: %v", ErrProtocol, method, err)
	}
	return nil
}

// QueryMailboxes lists every mailbox id the server knows, along with the
// query state token used as the initial sync cursor.
func (c *Client) QueryMailboxes(ctx context.Context) (*QueryResponse, error) {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return nil, err
	}

	args, err := c.invoke(ctx, "Mailbox/query", map[string]any{
		"accountId": accountID,
	})
	if err != nil {
		return nil, err
	}

	var resp QueryResponse
	if err := decodeInto("Mailbox/query", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMailboxes fetches full metadata for the given mailbox ids.
func (c *Client) GetMailboxes(ctx context.Context, ids []string) (*MailboxGetResponse, error) {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return nil, err
	}

	args, err := c.invoke(ctx, "Mailbox/get", map[string]any{
		"accountId": accountID,
		"ids":       ids,
	})
	if err != nil {
		return nil, err
	}

	var resp MailboxGetResponse
	if err := decodeInto("Mailbox/get", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MailboxChanges returns the mailbox delta since the given state token.
func (c *Client) MailboxChanges(ctx context.Context, sinceState string) (*ChangesResponse, error) {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return nil, err
	}

	args, err := c.invoke(ctx, "Mailbox/changes", map[string]any{
		"accountId":  accountID,
		"sinceState": sinceState,
	})
	if err != nil {
		return nil, err
	}

	var resp ChangesResponse
	if err := decodeInto("Mailbox/changes", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryEmails runs an Email/query with the engine's filter vocabulary:
// mailbox containment, full-text keyword, anchor and sort.
func (c *Client) QueryEmails(ctx context.Context, query EmailQuery) (*QueryResponse, error) {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return nil, err
	}

	callArgs := map[string]any{
		"accountId":      accountID,
		"calculateTotal": true,
	}

	filter := map[string]any{}
	if query.MailboxID != "" {
		filter["inMailbox"] = query.MailboxID
	}
	if query.SearchKeyword != "" {
		filter["text"] = query.SearchKeyword
	}
	if len(filter) > 0 {
		callArgs["filter"] = filter
	}

	if len(query.Sorts) > 0 {
		callArgs["sort"] = query.Sorts
	}
	if query.AnchorID != "" {
		callArgs["anchor"] = query.AnchorID
	}
	if query.Limit > 0 {
		callArgs["limit"] = query.Limit
	}

	args, err := c.invoke(ctx, "Email/query", callArgs)
	if err != nil {
		return nil, err
	}

	var resp QueryResponse
	if err := decodeInto("Email/query", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EmailChanges returns the email delta since the given state token. Callers
// loop while HasMoreChanges is set.
func (c *Client) EmailChanges(ctx context.Context, sinceState string) (*ChangesResponse, error) {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return nil, err
	}

	args, err := c.invoke(ctx, "Email/changes", map[string]any{
		"accountId":  accountID,
		"sinceState": sinceState,
	})
	if err != nil {
		return nil, err
	}

	var resp ChangesResponse
	if err := decodeInto("Email/changes", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEmails fetches emails by id. A nil properties slice requests the
// envelope projection used by bulk sync.
func (c *Client) GetEmails(ctx context.Context, ids []string, properties []string) (*EmailGetResponse, error) {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return nil, err
	}
	if properties == nil {
		properties = defaultEmailProperties
	}

	args, err := c.invoke(ctx, "Email/get", map[string]any{
		"accountId":          accountID,
		"ids":                ids,
		"properties":         properties,
		"fetchAllBodyValues": containsProperty(properties, "bodyValues"),
	})
	if err != nil {
		return nil, err
	}

	var resp EmailGetResponse
	if err := decodeInto("Email/get", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEmailDetails fetches the deep body payload for one email.
func (c *Client) GetEmailDetails(ctx context.Context, id string) (*Email, error) {
	resp, err := c.GetEmails(ctx, []string{id}, detailEmailProperties)
	if err != nil {
		return nil, err
	}
	if len(resp.List) == 0 {
		return nil, fmt.Errorf("%w: email %s", ErrNotFound, id)
	}
	return &resp.List[0], nil
}

func containsProperty(properties []string, name string) bool {
	for _, p := range properties {
		if p == name {
			return true
		}
	}
	return false
}

// draftCreateObject converts a Draft into an Email/set creation payload.
// asDraft controls the $draft keyword; mailboxID overrides the draft's own
// mailbox (the send path targets Sent instead of Drafts).
func draftCreateObject(d *Draft, mailboxID string, asDraft bool) map[string]any {
	obj := map[string]any{
		"mailboxIds": map[string]bool{mailboxID: true},
		"subject":    d.Subject,
	}

	if asDraft {
		obj["keywords"] = map[string]bool{"$draft": true, "$seen": true}
	}

	if len(d.From) > 0 {
		obj["from"] = d.From
	}
	if len(d.To) > 0 {
		obj["to"] = d.To
	}
	if len(d.Cc) > 0 {
		obj["cc"] = d.Cc
	}
	if len(d.Bcc) > 0 {
		obj["bcc"] = d.Bcc
	}
	if len(d.InReplyTo) > 0 {
		obj["inReplyTo"] = d.InReplyTo
	}
	if len(d.References) > 0 {
		obj["references"] = d.References
	}

	bodyValues := map[string]any{}
	if d.TextBody != "" {
		bodyValues["text"] = map[string]any{"value": d.TextBody}
		obj["textBody"] = []map[string]any{{"partId": "text", "type": "text/plain"}}
	}
	if d.HTMLBody != "" {
		bodyValues["html"] = map[string]any{"value": d.HTMLBody}
		obj["htmlBody"] = []map[string]any{{"partId": "html", "type": "text/html"}}
	}
	if len(bodyValues) > 0 {
		obj["bodyValues"] = bodyValues
	}

	if len(d.Attachments) > 0 {
		atts := make([]map[string]any, 0, len(d.Attachments))
		for _, a := range d.Attachments {
			att := map[string]any{"blobId": a.BlobID, "disposition": "attachment"}
			if a.Name != "" {
				att["name"] = a.Name
			}
			if a.Type != "" {
				att["type"] = a.Type
			}
			atts = append(atts, att)
		}
		obj["attachments"] = atts
	}

	return obj
}

// createEmail runs one Email/set create and returns the server id of the
// created email.
func (c *Client) createEmail(ctx context.Context, obj map[string]any) (string, error) {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return "", err
	}

	args, err := c.invoke(ctx, "Email/set", map[string]any{
		"accountId": accountID,
		"create":    map[string]any{"new0": obj},
	})
	if err != nil {
		return "", err
	}

	var resp emailSetResponse
	if err := decodeInto("Email/set", args, &resp); err != nil {
		return "", err
	}
	if setErr, ok := resp.NotCreated["new0"]; ok && setErr != nil {
		return "", fmt.Errorf("creating email: %w", setErr)
	}
	created, ok := resp.Created["new0"]
	if !ok || created.ID == "" {
		return "", fmt.Errorf("%w: Email/set created nothing", ErrProtocol)
	}
	return created.ID, nil
}

// CreateDraftMirror creates the remote Drafts copy of a local draft and
// returns its email id.
func (c *Client) CreateDraftMirror(ctx context.Context, d *Draft) (string, error) {
	if d.MailboxID == "" {
		return "", fmt.Errorf("%w: draft has no mailbox", ErrBadRequest)
	}
	return c.createEmail(ctx, draftCreateObject(d, d.MailboxID, true))
}

// CreateEmail creates a fresh outgoing email (no $draft keyword) in the
// given mailbox. Used by the send path.
func (c *Client) CreateEmail(ctx context.Context, d *Draft, mailboxID string) (string, error) {
	if mailboxID == "" {
		return "", fmt.Errorf("%w: no target mailbox", ErrBadRequest)
	}
	return c.createEmail(ctx, draftCreateObject(d, mailboxID, false))
}

// DestroyEmail removes an email from the server. The engine uses it to
// retire superseded draft mirrors; callers treat failures as best-effort.
func (c *Client) DestroyEmail(ctx context.Context, id string) error {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return err
	}

	args, err := c.invoke(ctx, "Email/set", map[string]any{
		"accountId": accountID,
		"destroy":   []string{id},
	})
	if err != nil {
		return err
	}

	var resp emailSetResponse
	if err := decodeInto("Email/set", args, &resp); err != nil {
		return err
	}
	for _, destroyed := range resp.Destroyed {
		if destroyed == id {
			return nil
		}
	}
	return fmt.Errorf("%w: email %s was not destroyed", ErrNotFound, id)
}

// SubmitEmail submits a created email for delivery via EmailSubmission/set.
func (c *Client) SubmitEmail(ctx context.Context, emailID, identityID string) error {
	if identityID == "" {
		return fmt.Errorf("%w: no identity id", ErrBadRequest)
	}
	accountID, err := c.accountID(ctx)
	if err != nil {
		return err
	}

	args, err := c.invoke(ctx, "EmailSubmission/set", map[string]any{
		"accountId": accountID,
		"create": map[string]any{
			"sub0": map[string]any{
				"emailId":    emailID,
				"identityId": identityID,
			},
		},
	})
	if err != nil {
		return err
	}

	var resp submissionSetResponse
	if err := decodeInto("EmailSubmission/set", args, &resp); err != nil {
		return err
	}
	if setErr, ok := resp.NotCreated["sub0"]; ok && setErr != nil {
		return fmt.Errorf("submitting email: %w", setErr)
	}
	if _, ok := resp.Created["sub0"]; !ok {
		return fmt.Errorf("%w: EmailSubmission/set created nothing", ErrProtocol)
	}
	return nil
}

// GetIdentities lists the account's sending identities.
func (c *Client) GetIdentities(ctx context.Context) ([]Identity, error) {
	accountID, err := c.accountID(ctx)
	if err != nil {
		return nil, err
	}

	args, err := c.invoke(ctx, "Identity/get", map[string]any{
		"accountId": accountID,
	})
	if err != nil {
		return nil, err
	}

	var resp identityGetResponse
	if err := decodeInto("Identity/get", args, &resp); err != nil {
		return nil, err
	}
	return resp.List, nil
}
