package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Credentials authenticate every HTTP and WebSocket exchange with the
// server. Only basic authentication is supported.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is the JMAP session document plus the bits the engine resolves
// out of it at connect time.
type Session struct {
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	APIURL          string                     `json:"apiUrl"`
	DownloadURL     string                     `json:"downloadUrl"`
	UploadURL       string                     `json:"uploadUrl"`
	EventSourceURL  string                     `json:"eventSourceUrl"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	Username        string                     `json:"username"`
	State           string                     `json:"state"`
}

// PrimaryMailAccount returns the server-side account id used for all mail
// method calls.
func (s *Session) PrimaryMailAccount() string {
	return s.PrimaryAccounts[CapMail]
}

// websocketCapability is the value of the websocket capability entry.
type websocketCapability struct {
	URL          string `json:"url"`
	SupportsPush bool   `json:"supportsPush"`
}

// WebSocketURL resolves the push channel endpoint from the session's
// websocket capability.
func (s *Session) WebSocketURL() (string, error) {
	raw, ok := s.Capabilities[CapWebSocket]
	if !ok {
		return "", &ConnectError{Kind: ConnectServerRejected, Reason: "server does not advertise the websocket capability"}
	}
	var wsCap websocketCapability
	if err := json.Unmarshal(raw, &wsCap); err != nil {
		return "", &ConnectError{Kind: ConnectServerRejected, Reason: "bad websocket capability", Err: err}
	}
	if wsCap.URL == "" {
		return "", &ConnectError{Kind: ConnectServerRejected, Reason: "websocket capability has no url"}
	}
	return wsCap.URL, nil
}

// sessionURL derives the session resource location from the configured
// server URL. A bare origin gets the well-known path appended.
func sessionURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid server url %q: %v", ErrBadRequest, serverURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrBadRequest, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/.well-known/jmap"
	}
	return u.String(), nil
}

// fetchSession retrieves and decodes the session document.
func fetchSession(ctx context.Context, hc *http.Client, serverURL string, creds Credentials) (*Session, error) {
	target, err := sessionURL(serverURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ConnectError{Kind: ConnectTransport, Reason: "building session request", Err: err}
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &ConnectError{Kind: ConnectTransport, Reason: "fetching session", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &ConnectError{Kind: ConnectAuthFailed, Reason: fmt.Sprintf("session request rejected with status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &ConnectError{Kind: ConnectServerRejected, Reason: fmt.Sprintf("session request returned status %d", resp.StatusCode)}
	}

	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, &ConnectError{Kind: ConnectServerRejected, Reason: "undecodable session document", Err: err}
	}
	if sess.PrimaryMailAccount() == "" {
		return nil, &ConnectError{Kind: ConnectServerRejected, Reason: "session has no primary mail account"}
	}
	return &sess, nil
}

// expandURITemplate substitutes the level-1 template variables used by the
// session's download URL.
func expandURITemplate(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", url.PathEscape(value))
	}
	return out
}

// DownloadBlob fetches blob bytes over the session's download endpoint.
func (c *Client) DownloadBlob(ctx context.Context, blobID string) ([]byte, error) {
	sess, err := c.WaitConnected(ctx)
	if err != nil {
		return nil, err
	}

	target := expandURITemplate(sess.DownloadURL, map[string]string{
		"accountId": sess.PrimaryMailAccount(),
		"blobId":    blobID,
		"name":      blobID,
		"type":      "application/octet-stream",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building download request: %v", ErrTransport, err)
	}
	req.SetBasicAuth(c.opts.Credentials.Username, c.opts.Credentials.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: downloading blob: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, blobID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: blob download returned status %d", ErrTransport, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading blob body: %v", ErrTransport, err)
	}
	return data, nil
}

// uploadResponse is the body of a successful blob upload.
type uploadResponse struct {
	AccountID string `json:"accountId"`
	BlobID    string `json:"blobId"`
	Type      string `json:"type"`
	Size      int    `json:"size"`
}

// UploadBlob pushes bytes to the session's upload endpoint and returns the
// new blob id.
func (c *Client) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	sess, err := c.WaitConnected(ctx)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	target := expandURITemplate(sess.UploadURL, map[string]string{
		"accountId": sess.PrimaryMailAccount(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: building upload request: %v", ErrTransport, err)
	}
	req.SetBasicAuth(c.opts.Credentials.Username, c.opts.Credentials.Password)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: uploading blob: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: blob upload returned status %d", ErrTransport, resp.StatusCode)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("%w: undecodable upload response: %v", ErrProtocol, err)
	}
	if ur.BlobID == "" {
		return "", fmt.Errorf("%w: upload response has no blob id", ErrProtocol)
	}
	return ur.BlobID, nil
}
