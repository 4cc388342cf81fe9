package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/vaultsandbox/resetcheck/internal/api"
	"github.com/vaultsandbox/resetcheck/internal/crypto"
)

// Inbox is a temporary email inbox created by a Client.
type Inbox struct {
	emailAddress string
	expiresAt    time.Time
	inboxHash    string
	encrypted    bool
	serverSigPk  []byte
	keypair      *crypto.Keypair
	client       *Client
}

// SyncStatus is the email count and IDs hash of an inbox.
type SyncStatus = api.SyncStatus

// EmailAddress returns the inbox email address.
func (i *Inbox) EmailAddress() string { return i.emailAddress }

// ExpiresAt returns when the inbox expires.
func (i *Inbox) ExpiresAt() time.Time { return i.expiresAt }

// InboxHash returns the server's identifier for the inbox, used in
// delivery events.
func (i *Inbox) InboxHash() string { return i.inboxHash }

// Encrypted reports whether emails are end-to-end encrypted.
func (i *Inbox) Encrypted() bool { return i.encrypted }

// IsExpired reports whether the inbox has expired.
func (i *Inbox) IsExpired() bool { return time.Now().After(i.expiresAt) }

// GetSyncStatus returns the email count and IDs hash, which change
// whenever an email is added or removed.
func (i *Inbox) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	return i.client.apiClient.GetInboxSync(ctx, i.emailAddress)
}

// Delete deletes the inbox.
func (i *Inbox) Delete(ctx context.Context) error {
	return i.client.DeleteInbox(ctx, i.emailAddress)
}

// GetEmails returns every email in the inbox with its content.
func (i *Inbox) GetEmails(ctx context.Context) ([]*Email, error) {
	raws, err := i.client.apiClient.GetEmails(ctx, i.emailAddress, true)
	if err != nil {
		return nil, err
	}
	emails := make([]*Email, 0, len(raws))
	for j := range raws {
		email, err := i.decodeEmail(ctx, &raws[j])
		if err != nil {
			return nil, fmt.Errorf("email %s: %w", raws[j].ID, err)
		}
		emails = append(emails, email)
	}
	return emails, nil
}

// GetEmailsMetadata returns the summary of every email without fetching
// bodies.
func (i *Inbox) GetEmailsMetadata(ctx context.Context) ([]*EmailMetadata, error) {
	raws, err := i.client.apiClient.GetEmails(ctx, i.emailAddress, false)
	if err != nil {
		return nil, err
	}
	out := make([]*EmailMetadata, 0, len(raws))
	for j := range raws {
		m, err := i.decodeMetadataOnly(&raws[j])
		if err != nil {
			return nil, fmt.Errorf("email %s: %w", raws[j].ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetEmail returns one email by ID.
func (i *Inbox) GetEmail(ctx context.Context, emailID string) (*Email, error) {
	raw, err := i.client.apiClient.GetEmail(ctx, i.emailAddress, emailID)
	if err != nil {
		return nil, err
	}
	return i.decodeEmail(ctx, raw)
}

// GetRawEmail returns the RFC 5322 source of an email.
func (i *Inbox) GetRawEmail(ctx context.Context, emailID string) (string, error) {
	src, err := i.client.apiClient.GetEmailRaw(ctx, i.emailAddress, emailID)
	if err != nil {
		return "", err
	}

	encoded := src.Raw
	if src.EncryptedRaw != nil {
		plain, err := i.open(src.EncryptedRaw)
		if err != nil {
			return "", fmt.Errorf("raw email: %w", err)
		}
		encoded = string(plain)
	}
	if encoded == "" {
		return "", fmt.Errorf("email %s has no raw source", emailID)
	}
	raw, err := crypto.FromBase64URL(encoded)
	if err != nil {
		return "", fmt.Errorf("decode raw email: %w", err)
	}
	return string(raw), nil
}

// MarkEmailAsRead marks an email as read.
func (i *Inbox) MarkEmailAsRead(ctx context.Context, emailID string) error {
	return i.client.apiClient.MarkEmailAsRead(ctx, i.emailAddress, emailID)
}

// DeleteEmail deletes an email.
func (i *Inbox) DeleteEmail(ctx context.Context, emailID string) error {
	return i.client.apiClient.DeleteEmail(ctx, i.emailAddress, emailID)
}
