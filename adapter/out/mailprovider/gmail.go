// Package mailprovider implements the mail provider adapter spec.md §6
// names (list_ids()/get_message(id)), trimmed to the digest daemon's read
// surface. OAuth token acquisition is explicitly out of scope: callers hand
// in an already-authenticated oauth2.TokenSource.
package mailprovider

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"inboxdigest/core/domain"
)

var gmailMetadataHeaders = []string{"From", "To", "Subject", "Date", "Message-ID"}

// GmailAdapter implements pipeline.MailProvider against the Gmail API.
type GmailAdapter struct {
	tokenSource oauth2.TokenSource
	cb          *gobreaker.CircuitBreaker
}

func NewGmailAdapter(tokenSource oauth2.TokenSource) *GmailAdapter {
	cbSettings := gobreaker.Settings{
		Name:     "gmail-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && failureRatio >= 0.6)
		},
	}
	return &GmailAdapter{tokenSource: tokenSource, cb: gobreaker.NewCircuitBreaker(cbSettings)}
}

func (a *GmailAdapter) service(ctx context.Context) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	return gmail.NewService(ctx, option.WithTokenSource(a.tokenSource))
}

// ListIDs lists the user's inbox message IDs (spec.md §6: list_ids()).
func (a *GmailAdapter) ListIDs(ctx context.Context, userID string) ([]string, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	err = a.executeWithCircuitBreaker(func() error {
		call := svc.Users.Messages.List("me").LabelIds("INBOX").MaxResults(100)
		return call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
			for _, m := range page.Messages {
				ids = append(ids, m.Id)
			}
			return nil
		})
	})
	return ids, err
}

// GetMessage fetches a single message and converts it to the core's raw
// wire shape (spec.md §6: get_message(id)).
func (a *GmailAdapter) GetMessage(ctx context.Context, userID, id string) (domain.RawMessage, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return domain.RawMessage{}, err
	}

	var msg *gmail.Message
	err = a.executeWithCircuitBreaker(func() error {
		var callErr error
		msg, callErr = svc.Users.Messages.Get("me", id).Format("full").MetadataHeaders(gmailMetadataHeaders...).Do()
		return callErr
	})
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("gmail get message %s: %w", id, err)
	}

	return convertMessage(msg), nil
}

func convertMessage(msg *gmail.Message) domain.RawMessage {
	raw := domain.RawMessage{
		MessageID:  msg.Id,
		ThreadID:   msg.ThreadId,
		ReceivedTS: time.UnixMilli(msg.InternalDate).UTC(),
		Snippet:    msg.Snippet,
		Headers:    map[string][]string{},
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			raw.Headers[h.Name] = append(raw.Headers[h.Name], h.Value)
		}
		extractBody(msg.Payload, &raw, 0)
		extractAttachmentNames(msg.Payload, &raw)
	}

	return raw
}

func extractBody(part *gmail.MessagePart, raw *domain.RawMessage, depth int) {
	if depth > 10 || part == nil {
		return
	}
	if part.Body != nil && part.Body.Data != "" {
		decoded := decodeBase64URL(part.Body.Data)
		switch part.MimeType {
		case "text/plain":
			if raw.BodyText == "" {
				raw.BodyText = decoded
			}
		case "text/html":
			if raw.BodyHTML == "" {
				raw.BodyHTML = decoded
			}
		}
	}
	for _, child := range part.Parts {
		extractBody(child, raw, depth+1)
	}
}

func extractAttachmentNames(part *gmail.MessagePart, raw *domain.RawMessage) {
	if part == nil {
		return
	}
	if part.Filename != "" {
		raw.AttachmentNames = append(raw.AttachmentNames, part.Filename)
		if part.MimeType == "text/calendar" {
			raw.HasICSAttachment = true
		}
	}
	for _, child := range part.Parts {
		extractAttachmentNames(child, raw)
	}
}

// executeWithCircuitBreaker wraps a Gmail API call. Client errors
// (400/401/403/404) are returned to the caller without counting as breaker
// failures; every other error counts toward tripping the breaker.
func (a *GmailAdapter) executeWithCircuitBreaker(fn func() error) error {
	var clientErr error
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 400, 401, 403, 404:
					clientErr = &nonCircuitError{err: err}
					return nil, nil
				}
			}
			return nil, err
		}
		return nil, nil
	})
	if nce, ok := clientErr.(*nonCircuitError); ok {
		return nce.err
	}
	return err
}

type nonCircuitError struct{ err error }

func (e *nonCircuitError) Error() string { return e.err.Error() }

func decodeBase64URL(s string) string {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(data)
}
