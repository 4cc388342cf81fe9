package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vaultsandbox/resetcheck/authresults"
	"github.com/vaultsandbox/resetcheck/spamanalysis"
	"github.com/vaultsandbox/resetcheck/internal/api"
	"github.com/vaultsandbox/resetcheck/internal/crypto"
)

// Email is a received email. It carries no API handle; use the Inbox
// methods to read the raw source, mark it read or delete it.
type Email struct {
	ID         string
	From       string
	To         []string
	Subject    string
	Text       string
	HTML       string
	ReceivedAt time.Time
	// Headers holds string-valued headers only. Structured values sent by
	// the server are dropped.
	Headers      map[string]string
	Attachments  []Attachment
	Links        []string
	AuthResults  *authresults.AuthResults
	// SpamAnalysis is nil when the server has spam analysis disabled.
	SpamAnalysis *spamanalysis.SpamAnalysis
	IsRead       bool
}

// Attachment is an email attachment.
type Attachment struct {
	Filename           string
	ContentType        string
	Size               int
	ContentID          string
	ContentDisposition string
	Content            []byte
	Checksum           string
}

// EmailMetadata is the summary of an email without its body.
type EmailMetadata struct {
	ID         string
	From       string
	Subject    string
	ReceivedAt time.Time
	IsRead     bool
}

// recipients accepts "to" as a string or a list.
type recipients []string

func (r *recipients) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*r = nil
		} else {
			*r = recipients{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("recipients: %w", err)
	}
	*r = many
	return nil
}

type metadataJSON struct {
	From       string     `json:"from"`
	To         recipients `json:"to"`
	Subject    string     `json:"subject"`
	ReceivedAt string     `json:"receivedAt"`
}

type attachmentJSON struct {
	Filename           string `json:"filename"`
	ContentType        string `json:"contentType"`
	Size               int    `json:"size"`
	ContentID          string `json:"contentId,omitempty"`
	ContentDisposition string `json:"contentDisposition,omitempty"`
	Content            []byte `json:"content,omitempty"`
	Checksum           string `json:"checksum,omitempty"`
}

type parsedJSON struct {
	Text         string                     `json:"text"`
	HTML         string                     `json:"html"`
	Headers      map[string]any             `json:"headers"`
	Attachments  []attachmentJSON           `json:"attachments"`
	Links        []string                   `json:"links"`
	AuthResults  *authresults.AuthResults   `json:"authResults"`
	SpamAnalysis *spamanalysis.SpamAnalysis `json:"spamAnalysis"`
}

// open returns the plaintext of an encrypted payload after checking its
// signature against the key pinned at inbox creation.
func (i *Inbox) open(p *crypto.EncryptedPayload) ([]byte, error) {
	if i.keypair == nil {
		return nil, fmt.Errorf("%w: inbox %s has no decryption key", ErrDecryptionFailed, i.emailAddress)
	}
	return crypto.Open(p, i.keypair, i.serverSigPk)
}

// section decodes one of the metadata or parsed sections of raw, from
// either its encrypted or its plain form.
func (i *Inbox) section(name string, encrypted *crypto.EncryptedPayload, plain string, v any) error {
	var data []byte
	var err error
	switch {
	case encrypted != nil:
		if !i.encrypted {
			return fmt.Errorf("%s: unexpected encrypted payload for plain inbox", name)
		}
		data, err = i.open(encrypted)
	case plain != "":
		data, err = crypto.FromBase64URL(plain)
	default:
		return fmt.Errorf("email has no %s", name)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func (i *Inbox) decodeMetadata(raw *api.RawEmail) (*metadataJSON, error) {
	var m metadataJSON
	if err := i.section("metadata", raw.EncryptedMetadata, raw.Metadata, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// decodeEmail builds an Email from its wire form, fetching the full email
// when the body was not included.
func (i *Inbox) decodeEmail(ctx context.Context, raw *api.RawEmail) (*Email, error) {
	if !raw.HasContent() {
		full, err := i.client.apiClient.GetEmail(ctx, i.emailAddress, raw.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch full email: %w", err)
		}
		raw = full
	}

	meta, err := i.decodeMetadata(raw)
	if err != nil {
		return nil, err
	}
	var parsed parsedJSON
	if err := i.section("parsed content", raw.EncryptedParsed, raw.Parsed, &parsed); err != nil {
		return nil, err
	}

	email := &Email{
		ID:           raw.ID,
		From:         meta.From,
		To:           []string(meta.To),
		Subject:      meta.Subject,
		Text:         parsed.Text,
		HTML:         parsed.HTML,
		ReceivedAt:   receivedAt(meta.ReceivedAt, raw.ReceivedAt),
		Headers:      stringHeaders(parsed.Headers),
		Links:        parsed.Links,
		AuthResults:  parsed.AuthResults,
		SpamAnalysis: parsed.SpamAnalysis,
		IsRead:       raw.IsRead,
	}
	if len(parsed.Attachments) > 0 {
		email.Attachments = make([]Attachment, len(parsed.Attachments))
		for j, a := range parsed.Attachments {
			email.Attachments[j] = Attachment(a)
		}
	}
	return email, nil
}

func (i *Inbox) decodeMetadataOnly(raw *api.RawEmail) (*EmailMetadata, error) {
	meta, err := i.decodeMetadata(raw)
	if err != nil {
		return nil, err
	}
	return &EmailMetadata{
		ID:         raw.ID,
		From:       meta.From,
		Subject:    meta.Subject,
		ReceivedAt: receivedAt(meta.ReceivedAt, raw.ReceivedAt),
		IsRead:     raw.IsRead,
	}, nil
}

// receivedAt prefers the timestamp inside the metadata and falls back to
// the one on the envelope.
func receivedAt(fromMetadata string, fallback time.Time) time.Time {
	if fromMetadata != "" {
		if t, err := time.Parse(time.RFC3339, fromMetadata); err == nil {
			return t
		}
	}
	return fallback
}

func stringHeaders(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
