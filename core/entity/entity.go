// Package entity implements the entity extractor (spec.md §4.9, C9): six
// fixed-order regex extractors plus metadata recovery.
package entity

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inboxdigest/core/domain"
)

// LLMFallback is the optional extraction fallback consulted when no
// rule-based extractor fires. In the MVP it is expected to return
// (domain.Entity{}, false, nil) and the cascade relies entirely on rules
// (spec.md §4.9).
type LLMFallback interface {
	Extract(ctx context.Context, email domain.ParsedEmail) (domain.Entity, bool, error)
}

// NoopLLMFallback is the MVP default: it never produces an entity.
type NoopLLMFallback struct{}

func (NoopLLMFallback) Extract(ctx context.Context, email domain.ParsedEmail) (domain.Entity, bool, error) {
	return domain.Entity{}, false, nil
}

// Extractor runs the fixed-order rule-based extractors and the optional LLM
// fallback, then validates/recovers required metadata.
type Extractor struct {
	fallback LLMFallback
	log      zerolog.Logger
}

func New(fallback LLMFallback, log zerolog.Logger) *Extractor {
	if fallback == nil {
		fallback = NoopLLMFallback{}
	}
	return &Extractor{fallback: fallback, log: log}
}

type extractFunc func(domain.ParsedEmail) (domain.Entity, bool)

// order is the fixed extractor precedence from spec.md §4.9: the first
// extractor to produce an entity wins (one entity per email in the MVP).
func (x *Extractor) order() []extractFunc {
	return []extractFunc{
		extractFlight,
		extractEvent,
		extractDeadline,
		extractReminder,
		extractPromo,
		extractNotification,
	}
}

// Extract runs every extractor in fixed order and returns the first hit,
// falling back to the LLM extractor, then validates and recovers metadata.
func (x *Extractor) Extract(ctx context.Context, email domain.ParsedEmail) (domain.Entity, bool, error) {
	for _, fn := range x.order() {
		if e, ok := fn(email); ok {
			e.SourceEmailID = email.MessageID
			e.SourceThreadID = email.ThreadID
			e.SourceSubject = email.Subject
			e.SourceSnippet = email.Snippet
			e.Timestamp = email.ReceivedTS
			x.validateAndRecover(&e, email)
			return e, true, nil
		}
	}

	e, ok, err := x.fallback.Extract(ctx, email)
	if err != nil || !ok {
		return domain.Entity{}, false, err
	}
	x.validateAndRecover(&e, email)
	return e, true, nil
}

// validateAndRecover mirrors mailq's validate_entity_metadata: recovers
// source_thread_id from thread_id/message_id, source_email_id from
// message_id, and source_subject from the email subject when missing or too
// short, logging an EXTRACT_INCONSISTENT event when recovery itself fails.
func (x *Extractor) validateAndRecover(e *domain.Entity, email domain.ParsedEmail) {
	if e.SourceThreadID == "" {
		recovered := email.ThreadID
		if recovered == "" {
			recovered = email.MessageID
		}
		if recovered != "" {
			e.SourceThreadID = recovered
		} else {
			x.log.Warn().
				Str("event", "EXTRACT_INCONSISTENT").
				Str("issue", "missing_thread_id").
				Str("recovery", "failed").
				Str("subject", e.SourceSubject).
				Msg("entity missing thread_id and recovery failed")
		}
	}
	if e.SourceEmailID == "" && email.MessageID != "" {
		e.SourceEmailID = email.MessageID
	}
	if len(e.SourceSubject) < 5 && email.Subject != "" {
		e.SourceSubject = email.Subject
	}
}

var (
	flightNumberRe  = regexp.MustCompile(`(?i)flight\s+([A-Z]{2,3}\s*\d{1,4})`)
	airlineRe       = regexp.MustCompile(`(?i)(United|Delta|American|Southwest|Alaska|JetBlue|Spirit|Frontier)`)
	airportCodeRe   = regexp.MustCompile(`\(([A-Z]{3})\)`)
	clockTimeRe     = regexp.MustCompile(`(?i)(\d{1,2}:\d{2}\s*[AP]M)`)
	confirmationRe  = regexp.MustCompile(`(?i:confirmation\s*(?:code|number)?)[:\s]+([A-Z0-9]{6,})`)
)

func extractFlight(email domain.ParsedEmail) (domain.Entity, bool) {
	text := email.Subject + " " + email.Snippet + " " + email.BodyText
	m := flightNumberRe.FindStringSubmatch(text)
	if m == nil {
		return domain.Entity{}, false
	}
	data := &domain.FlightData{
		FlightNumber: strings.Join(strings.Fields(m[1]), ""),
	}
	if am := airlineRe.FindStringSubmatch(text); am != nil {
		data.Airline = am[1]
	}
	if cm := airportCodeRe.FindStringSubmatch(text); cm != nil {
		data.Arrival = domain.Airport{Code: cm[1]}
	}
	if tm := clockTimeRe.FindStringSubmatch(text); tm != nil {
		data.DepartureTime = strings.ToUpper(strings.Join(strings.Fields(tm[1]), ""))
	}
	if confm := confirmationRe.FindStringSubmatch(text); confm != nil {
		data.ConfirmationNum = confm[1]
	}
	return domain.Entity{Kind: domain.EntityFlight, Confidence: 0.85, Flight: data}, true
}

var (
	eventSubjectPrefixRe = regexp.MustCompile(`(?i)^(Notification:|Updated invitation:|Accepted:|Canceled:|Invitation:)`)
	eventAtDateTimeRe    = regexp.MustCompile(`(?i)@\s*([A-Za-z]{3}\s+[A-Za-z]{3}\s+\d{1,2},?\s+\d{4})\s+(\d{1,2}:\d{2}\s*[ap]m)(?:\s*-\s*(\d{1,2}:\d{2}\s*[ap]m))?\s*\(([A-Za-z]{2,5})\)`)
	eventStartsInRe      = regexp.MustCompile(`(?i)(?:starts?|begins?|coming up)\s+(?:in\s+)?(\d+\s+days?|tomorrow|today)`)
	locationInRe         = regexp.MustCompile(`\bin\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	locationAtRe         = regexp.MustCompile(`\bat\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)?)`)
)

// timezoneOffsets maps the small set of named US/UTC zone abbreviations the
// calendar phrases use to fixed UTC offsets (spec.md §4.10 treats unknown
// offsets as UTC).
var timezoneOffsets = map[string]int{
	"UTC": 0, "GMT": 0,
	"EST": -5, "EDT": -4,
	"CST": -6, "CDT": -5,
	"MST": -7, "MDT": -6,
	"PST": -8, "PDT": -7,
}

func extractEvent(email domain.ParsedEmail) (domain.Entity, bool) {
	hasPrefix := eventSubjectPrefixRe.MatchString(email.Subject)
	text := email.Subject + " " + email.Snippet + " " + email.BodyText

	dtm := eventAtDateTimeRe.FindStringSubmatch(text)
	if !hasPrefix && dtm == nil && !email.HasICSAttachment {
		return domain.Entity{}, false
	}

	data := &domain.EventData{Title: strings.TrimSpace(eventSubjectPrefixRe.ReplaceAllString(email.Subject, ""))}

	if dtm != nil {
		data.Date = dtm[1]
		data.EventTime = strings.ToUpper(strings.ReplaceAll(dtm[2], " ", ""))
		if dtm[3] != "" {
			data.EventEndTime = strings.ToUpper(strings.ReplaceAll(dtm[3], " ", ""))
		}
		data.Timezone = strings.ToUpper(dtm[4])
	}
	if loc := locationInRe.FindStringSubmatch(text); loc != nil {
		data.Location = loc[1]
	} else if loc := locationAtRe.FindStringSubmatch(text); loc != nil {
		data.Location = loc[1]
	}

	return domain.Entity{Kind: domain.EntityEvent, Confidence: 0.8, Event: data}, true
}

// EventStartUTC converts an EventData's EventTime/Timezone into a UTC
// instant anchored to the email's received date, for the temporal engine.
// Returns the zero time and false when the time could not be parsed.
func EventStartUTC(data *domain.EventData, anchor time.Time) (time.Time, bool) {
	if data == nil || data.EventTime == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse("3:04PM", strings.ToUpper(strings.ReplaceAll(data.EventTime, " ", "")))
	if err != nil {
		return time.Time{}, false
	}
	offset := 0
	if data.Timezone != "" {
		if o, ok := timezoneOffsets[data.Timezone]; ok {
			offset = o
		}
	}
	t := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
	return t.Add(-time.Duration(offset) * time.Hour), true
}

var (
	billDueRe = regexp.MustCompile(`(?i)(bill|payment|invoice)\s+(?:is\s+)?due\s+(\w+)`)
	amountRe  = regexp.MustCompile(`\$(\d+(?:,\d{3})*(?:\.\d{2})?)`)
	dueDateRe = regexp.MustCompile(`(?i)due\s+(?:on\s+)?(\w+\s+\d+|\w+|tomorrow|today)`)
)

func extractDeadline(email domain.ParsedEmail) (domain.Entity, bool) {
	text := email.Subject + " " + email.Snippet + " " + email.BodyText
	bm := billDueRe.FindStringSubmatch(text)
	if bm == nil {
		return domain.Entity{}, false
	}
	data := &domain.DeadlineData{Title: strings.Title(strings.ToLower(bm[1])) + " due"}
	if dm := dueDateRe.FindStringSubmatch(text); dm != nil {
		data.DueDate = dm[1]
	} else {
		data.DueDate = bm[2]
	}
	if am := amountRe.FindStringSubmatch(text); am != nil {
		data.Amount = "$" + am[1]
	}
	return domain.Entity{Kind: domain.EntityDeadline, Confidence: 0.8, Deadline: data}, true
}

var (
	scheduleRe = regexp.MustCompile(`(?i)(?:time to|schedule|book)\s+(?:a\s+)?(.+?)(?:\.|$)`)
	renewRe    = regexp.MustCompile(`(?i)(?:renew|renewal)\s+(?:your\s+)?(.+?)(?:\.|$)`)
)

func extractReminder(email domain.ParsedEmail) (domain.Entity, bool) {
	text := email.Subject + ". " + email.Snippet
	if m := scheduleRe.FindStringSubmatch(text); m != nil {
		return domain.Entity{Kind: domain.EntityReminder, Confidence: 0.7,
			Reminder: &domain.ReminderData{Action: strings.TrimSpace(m[1])}}, true
	}
	if m := renewRe.FindStringSubmatch(text); m != nil {
		return domain.Entity{Kind: domain.EntityReminder, Confidence: 0.7,
			Reminder: &domain.ReminderData{Action: "renew " + strings.TrimSpace(m[1])}}, true
	}
	return domain.Entity{}, false
}

var (
	discountRe = regexp.MustCompile(`(?i)(\d+%)\s+off`)
	endsRe     = regexp.MustCompile(`(?i)(?:ends?|expires?)\s+(\w+)`)
	saleWordRe = regexp.MustCompile(`(?i)\b(sale|deal|offer)\b`)
)

func extractPromo(email domain.ParsedEmail) (domain.Entity, bool) {
	text := email.Subject + " " + email.Snippet + " " + email.BodyText
	dm := discountRe.FindStringSubmatch(text)
	sm := saleWordRe.FindStringSubmatch(text)
	if dm == nil && sm == nil {
		return domain.Entity{}, false
	}
	data := &domain.PromoData{Merchant: merchantFromSender(email.FromAddress)}
	if dm != nil {
		data.Offer = dm[1] + " off"
	} else {
		data.Offer = sm[1]
	}
	if em := endsRe.FindStringSubmatch(text); em != nil {
		data.Expiry = em[1]
	}
	return domain.Entity{Kind: domain.EntityPromo, Confidence: 0.75, Promo: data}, true
}

func merchantFromSender(fromAddress string) string {
	at := strings.LastIndex(fromAddress, "@")
	if at < 0 || at == len(fromAddress)-1 {
		return fromAddress
	}
	domainPart := fromAddress[at+1:]
	domainPart = strings.TrimSuffix(domainPart, ">")
	labels := strings.Split(domainPart, ".")
	if len(labels) >= 2 {
		return strings.Title(labels[len(labels)-2])
	}
	return domainPart
}

var (
	otpKeywords       = []string{"otp", "verification code", "security code", "one-time"}
	otpExpiryRe       = regexp.MustCompile(`(?i)(?:expires?|valid)\s+(?:in\s+)?(\d+)\s+(minute|hour)s?`)
	trackingNumberRe  = regexp.MustCompile(`(?i)(?:tracking|track)\s*(?:number|#)?\s*[:\-]?\s*([A-Z0-9]{10,30})`)
	outForDeliveryKws = []string{"out for delivery", "arriving today", "deliver today"}
	inTransitKws      = []string{"shipped", "on the way", "in transit"}
)

func extractNotification(email domain.ParsedEmail) (domain.Entity, bool) {
	text := email.Subject + " " + email.Snippet + " " + email.BodyText
	textLower := strings.ToLower(text)

	category, ok := categorizeNotification(textLower)
	if !ok {
		if !containsAny(textLower, otpKeywords) {
			return domain.Entity{}, false
		}
		category = domain.NotificationGeneral
	}

	data := &domain.NotificationData{Category: category, Message: email.Snippet}

	if containsAny(textLower, otpKeywords) {
		if m := otpExpiryRe.FindStringSubmatch(textLower); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				dur := time.Duration(n) * time.Minute
				if m[2] == "hour" {
					dur = time.Duration(n) * time.Hour
				}
				expiry := email.ReceivedTS.Add(dur)
				data.OTPExpiresAt = &expiry
			}
		}
	}

	switch {
	case containsAny(textLower, outForDeliveryKws):
		data.ShipStatus = "out_for_delivery"
	case strings.Contains(textLower, "delivered"):
		data.ShipStatus = "delivered"
		delivered := email.ReceivedTS
		data.DeliveredAt = &delivered
	case containsAny(textLower, inTransitKws):
		data.ShipStatus = "in_transit"
	case strings.Contains(textLower, "processing"):
		data.ShipStatus = "processing"
	}
	if tm := trackingNumberRe.FindStringSubmatch(text); tm != nil {
		data.TrackingNumber = tm[1]
	}

	return domain.Entity{Kind: domain.EntityNotification, Confidence: 0.7, Notification: data}, true
}

func categorizeNotification(textLower string) (domain.NotificationCategory, bool) {
	switch {
	case containsAny(textLower, []string{"fraud", "suspicious", "unauthorized", "flagged"}):
		return domain.NotificationFraudAlert, true
	case containsAny(textLower, []string{"delivered", "delivery", "package", "shipped", "arriving", "on the way", "order", "shipment"}):
		return domain.NotificationDelivery, true
	case containsAny(textLower, []string{"bill", "payment", "due"}):
		return domain.NotificationBill, true
	case containsAny(textLower, []string{"opportunity", "job", "hiring", "position", "apply"}):
		return domain.NotificationJobOpportunity, true
	case containsAny(textLower, []string{"claim", "insurance", "medical", "policy"}):
		return domain.NotificationClaim, true
	case containsAny(textLower, []string{"rental", "reservation", "booking", "extend", "return"}):
		return domain.NotificationReservation, true
	}
	return "", false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
