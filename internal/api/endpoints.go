package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

func inboxPath(emailAddress string) string {
	return "/api/inboxes/" + url.PathEscape(emailAddress)
}

func emailPath(emailAddress, emailID string) string {
	return inboxPath(emailAddress) + "/emails/" + url.PathEscape(emailID)
}

// CheckKey validates the API key.
func (c *Client) CheckKey(ctx context.Context) error {
	var result struct {
		OK bool `json:"ok"`
	}
	if err := c.Do(ctx, http.MethodGet, "/api/check-key", nil, &result); err != nil {
		return err
	}
	if !result.OK {
		return ErrUnauthorized
	}
	return nil
}

// GetServerInfo retrieves the server configuration.
func (c *Client) GetServerInfo(ctx context.Context) (*ServerInfo, error) {
	var result ServerInfo
	if err := c.Do(ctx, http.MethodGet, "/api/server-info", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateInbox creates a new inbox.
func (c *Client) CreateInbox(ctx context.Context, req *CreateInboxRequest) (*CreateInboxResponse, error) {
	var result CreateInboxResponse
	if err := c.Do(ctx, http.MethodPost, "/api/inboxes", req, &result); err != nil {
		return nil, WithResourceType(err, ResourceInbox)
	}
	return &result, nil
}

// DeleteInbox deletes a specific inbox by email address.
func (c *Client) DeleteInbox(ctx context.Context, emailAddress string) error {
	err := c.Do(ctx, http.MethodDelete, inboxPath(emailAddress), nil, nil)
	return WithResourceType(err, ResourceInbox)
}

// DeleteAllInboxes deletes every inbox owned by the API key.
func (c *Client) DeleteAllInboxes(ctx context.Context) (int, error) {
	var result struct {
		Deleted int `json:"deleted"`
	}
	if err := c.Do(ctx, http.MethodDelete, "/api/inboxes", nil, &result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

// GetInboxSync returns the inbox sync status.
func (c *Client) GetInboxSync(ctx context.Context, emailAddress string) (*SyncStatus, error) {
	var result SyncStatus
	if err := c.Do(ctx, http.MethodGet, inboxPath(emailAddress)+"/sync", nil, &result); err != nil {
		return nil, WithResourceType(err, ResourceInbox)
	}
	return &result, nil
}

// GetEmails lists the emails in an inbox. With includeContent false the
// server returns metadata only.
func (c *Client) GetEmails(ctx context.Context, emailAddress string, includeContent bool) ([]RawEmail, error) {
	path := inboxPath(emailAddress) + "/emails"
	if includeContent {
		path += "?includeContent=true"
	}
	var result []RawEmail
	if err := c.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, WithResourceType(err, ResourceInbox)
	}
	return result, nil
}

// GetEmail retrieves a single email with its parsed content.
func (c *Client) GetEmail(ctx context.Context, emailAddress, emailID string) (*RawEmail, error) {
	var result RawEmail
	if err := c.Do(ctx, http.MethodGet, emailPath(emailAddress, emailID), nil, &result); err != nil {
		return nil, WithResourceType(err, ResourceEmail)
	}
	return &result, nil
}

// GetEmailRaw retrieves the raw email source.
func (c *Client) GetEmailRaw(ctx context.Context, emailAddress, emailID string) (*RawEmailSource, error) {
	var result RawEmailSource
	if err := c.Do(ctx, http.MethodGet, emailPath(emailAddress, emailID)+"/raw", nil, &result); err != nil {
		return nil, WithResourceType(err, ResourceEmail)
	}
	return &result, nil
}

// MarkEmailAsRead marks an email as read.
func (c *Client) MarkEmailAsRead(ctx context.Context, emailAddress, emailID string) error {
	err := c.Do(ctx, http.MethodPatch, emailPath(emailAddress, emailID)+"/read", nil, nil)
	return WithResourceType(err, ResourceEmail)
}

// DeleteEmail deletes an email.
func (c *Client) DeleteEmail(ctx context.Context, emailAddress, emailID string) error {
	err := c.Do(ctx, http.MethodDelete, emailPath(emailAddress, emailID), nil, nil)
	return WithResourceType(err, ResourceEmail)
}

// OpenEventStream opens an SSE connection for the given inbox hashes.
// The caller owns the response body.
func (c *Client) OpenEventStream(ctx context.Context, inboxHashes []string) (*http.Response, error) {
	u := c.baseURL + "/api/events?inboxes=" + url.QueryEscape(strings.Join(inboxHashes, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The stream is long-lived, so bypass the client-wide timeout.
	hc := *c.httpClient
	hc.Timeout = 0

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err, URL: u, Attempt: 1}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseErrorResponse(resp)
	}
	return resp, nil
}
