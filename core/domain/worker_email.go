package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Provider names the mail backend a RawMessage was fetched from.
type Provider string

const (
	MailProviderGmail   Provider = "google"
	MailProviderOutlook Provider = "outlook"
)

// RawMessage is the opaque payload handed to the core by the mail provider
// adapter (spec.md §3, §6). Immutable once constructed.
type RawMessage struct {
	MessageID  string
	ThreadID   string
	ReceivedTS time.Time
	Headers    map[string][]string
	BodyText   string
	BodyHTML   string
	Snippet    string

	HasICSAttachment bool
	AttachmentNames  []string
}

func (m RawMessage) header(name string) string {
	if v, ok := m.Headers[name]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

// ParsedEmail is the strict transform of RawMessage (spec.md §3, §4.12).
// A message missing any required field fails parsing and is reported, never
// substituted with a zero value.
type ParsedEmail struct {
	MessageID   string
	ThreadID    string
	ReceivedTS  time.Time
	Subject     string
	FromAddress string
	ToAddress   string
	BodyText    string
	BodyHTML    string
	Snippet     string

	HasICSAttachment bool
	AttachmentNames  []string

	// RawHeaders is kept for classifiers that need RFC/ESP signals (List-
	// Unsubscribe, Precedence, Auto-Submitted) beyond the required fields.
	RawHeaders map[string][]string
}

// ParseEmail performs the strict RawMessage -> ParsedEmail transform required
// by spec.md §3: message_id, thread_id, received_ts, subject, from_address,
// to_address, and (body_text or body_html) are all required.
func ParseEmail(raw RawMessage) (ParsedEmail, error) {
	if raw.MessageID == "" {
		return ParsedEmail{}, fmt.Errorf("parse error: missing message_id")
	}
	if raw.ThreadID == "" {
		return ParsedEmail{}, fmt.Errorf("parse error: missing thread_id (message_id=%s)", raw.MessageID)
	}
	if raw.ReceivedTS.IsZero() {
		return ParsedEmail{}, fmt.Errorf("parse error: missing received_ts (message_id=%s)", raw.MessageID)
	}
	subject := raw.header("Subject")
	if subject == "" {
		return ParsedEmail{}, fmt.Errorf("parse error: missing Subject header (message_id=%s)", raw.MessageID)
	}
	from := raw.header("From")
	if from == "" {
		return ParsedEmail{}, fmt.Errorf("parse error: missing From header (message_id=%s)", raw.MessageID)
	}
	to := raw.header("To")
	if to == "" {
		return ParsedEmail{}, fmt.Errorf("parse error: missing To header (message_id=%s)", raw.MessageID)
	}
	if raw.BodyText == "" && raw.BodyHTML == "" {
		return ParsedEmail{}, fmt.Errorf("parse error: missing body_text and body_html (message_id=%s)", raw.MessageID)
	}

	return ParsedEmail{
		MessageID:        raw.MessageID,
		ThreadID:         raw.ThreadID,
		ReceivedTS:       raw.ReceivedTS.UTC(),
		Subject:          subject,
		FromAddress:      from,
		ToAddress:        to,
		BodyText:         raw.BodyText,
		BodyHTML:         raw.BodyHTML,
		Snippet:          raw.Snippet,
		HasICSAttachment: raw.HasICSAttachment,
		AttachmentNames:  raw.AttachmentNames,
		RawHeaders:       raw.Headers,
	}, nil
}

// IdempotencyKey is a stable digest of (message_id, received_ts, body) used to
// drop duplicates within a batch (spec.md §3, §4.2).
type IdempotencyKey string

// DeriveIdempotencyKey computes the digest described in spec.md's glossary.
func DeriveIdempotencyKey(e ParsedEmail) IdempotencyKey {
	h := sha256.New()
	h.Write([]byte(e.MessageID))
	h.Write([]byte{0})
	h.Write([]byte(e.ReceivedTS.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	body := e.BodyText
	if body == "" {
		body = e.BodyHTML
	}
	h.Write([]byte(body))
	return IdempotencyKey(hex.EncodeToString(h.Sum(nil)))
}
