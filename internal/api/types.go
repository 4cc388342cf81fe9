package api

import (
	"time"

	"github.com/vaultsandbox/resetcheck/internal/crypto"
)

// EncryptionPolicy is the server's policy for inbox encryption.
type EncryptionPolicy string

const (
	// EncryptionPolicyAlways requires all inboxes to be encrypted.
	EncryptionPolicyAlways EncryptionPolicy = "always"
	// EncryptionPolicyEnabled makes encryption the default but allows plain inboxes.
	EncryptionPolicyEnabled EncryptionPolicy = "enabled"
	// EncryptionPolicyDisabled makes plain the default but allows encrypted inboxes.
	EncryptionPolicyDisabled EncryptionPolicy = "disabled"
	// EncryptionPolicyNever requires all inboxes to be plain.
	EncryptionPolicyNever EncryptionPolicy = "never"
)

// DefaultEncrypted reports whether inboxes are encrypted when the caller
// expresses no preference.
func (p EncryptionPolicy) DefaultEncrypted() bool {
	return p == EncryptionPolicyAlways || p == EncryptionPolicyEnabled || p == ""
}

// ServerInfo represents the /api/server-info response.
type ServerInfo struct {
	ServerSigPk      string                `json:"serverSigPk"`
	Algs             crypto.AlgorithmSuite `json:"algs"`
	Context          string                `json:"context"`
	MaxTTL           int                   `json:"maxTtl"`
	DefaultTTL       int                   `json:"defaultTtl"`
	SSEConsole       bool                  `json:"sseConsole"`
	AllowedDomains   []string              `json:"allowedDomains"`
	EncryptionPolicy EncryptionPolicy      `json:"encryptionPolicy"`
}

// CreateInboxRequest is the POST /api/inboxes body.
type CreateInboxRequest struct {
	ClientKemPk  string `json:"clientKemPk,omitempty"`
	TTL          int    `json:"ttl,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
	Encryption   string `json:"encryption,omitempty"`
}

// CreateInboxResponse is the POST /api/inboxes response.
type CreateInboxResponse struct {
	EmailAddress string    `json:"emailAddress"`
	ExpiresAt    time.Time `json:"expiresAt"`
	InboxHash    string    `json:"inboxHash"`
	ServerSigPk  string    `json:"serverSigPk,omitempty"`
	Encrypted    bool      `json:"encrypted"`
}

// SyncStatus represents the /api/inboxes/{email}/sync response.
type SyncStatus struct {
	EmailCount int    `json:"emailCount"`
	EmailsHash string `json:"emailsHash"`
}

// RawEmail is an email as returned by the API. Encrypted inboxes carry
// the Encrypted* payloads. Plain inboxes carry Metadata and Parsed as
// base64url-encoded JSON.
type RawEmail struct {
	ID                string                   `json:"id"`
	InboxID           string                   `json:"inboxId"`
	ReceivedAt        time.Time                `json:"receivedAt"`
	IsRead            bool                     `json:"isRead"`
	EncryptedMetadata *crypto.EncryptedPayload `json:"encryptedMetadata,omitempty"`
	EncryptedParsed   *crypto.EncryptedPayload `json:"encryptedParsed,omitempty"`
	Metadata          string                   `json:"metadata,omitempty"`
	Parsed            string                   `json:"parsed,omitempty"`
}

// HasContent reports whether the parsed body is included.
func (r *RawEmail) HasContent() bool {
	return r.EncryptedParsed != nil || r.Parsed != ""
}

// RawEmailSource is the raw source response. Both Raw and the decrypted
// EncryptedRaw hold the RFC 5322 message as base64url.
type RawEmailSource struct {
	ID           string                   `json:"id"`
	EncryptedRaw *crypto.EncryptedPayload `json:"encryptedRaw,omitempty"`
	Raw          string                   `json:"raw,omitempty"`
}

// SSEEvent is the payload of a new-email server-sent event.
type SSEEvent struct {
	InboxID           string                   `json:"inboxId"`
	EmailID           string                   `json:"emailId"`
	EncryptedMetadata *crypto.EncryptedPayload `json:"encryptedMetadata,omitempty"`
}
