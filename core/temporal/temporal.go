// Package temporal implements the temporal engine (spec.md §4.10, C10):
// multi-format timestamp parsing and decay-window resolution.
package temporal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"inboxdigest/core/domain"
	"inboxdigest/core/entity"
)

// Decay-window boundaries from spec.md §4.10.
const (
	imminentWindow = 1 * time.Hour
	distantWindow  = 7 * 24 * time.Hour

	// deadlineImminentLead and deadlineExpiryLag are the deadline-specific
	// fallbacks spec.md §4.10 names for entities with no end_time: imminence
	// uses temporal_start-30m, expiry uses temporal_start+1h.
	deadlineImminentLead = 30 * time.Minute
	deadlineExpiryLag    = 1 * time.Hour
)

// calendarLayouts are the English calendar-phrase formats ParseTimestamp
// accepts, e.g. "Fri Nov 21, 2025 6:30pm" or "Nov 21, 2025". A phrase with a
// trailing time range or zone name, such as "... 6:30pm - 7:30pm (EST)", does
// not parse.
var calendarLayouts = []string{
	"Mon Jan 2, 2006 3:04pm",
	"Jan 2, 2006 3:04pm",
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseTimestamp parses a timestamp from any of the formats spec.md §4.10
// names: epoch millis (int, float64, or numeric string), ISO-8601, RFC 2822,
// or an English calendar phrase. Returns the instant in UTC and whether an
// offset was known; unknown offsets default to UTC (and the caller should
// log that fact, per spec.md §4.10).
func ParseTimestamp(raw any) (t time.Time, knownOffset bool, ok bool) {
	switch v := raw.(type) {
	case int64:
		return time.UnixMilli(v).UTC(), true, true
	case int:
		return time.UnixMilli(int64(v)).UTC(), true, true
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true, true
	case time.Time:
		return v.UTC(), true, true
	case string:
		return parseTimestampString(v)
	default:
		return time.Time{}, false, false
	}
}

func parseTimestampString(s string) (time.Time, bool, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, false
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true, true
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true, true
	}
	if t, err := time.Parse(time.RFC1123Z, s); err == nil {
		return t.UTC(), true, true
	}
	if t, err := time.Parse(time.RFC1123, s); err == nil {
		return t.UTC(), true, true
	}

	for _, layout := range calendarLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), false, true
		}
	}

	return time.Time{}, false, false
}

// ResolveEntityWindow derives TemporalStart/TemporalEnd for an entity from
// its extracted raw fields, anchored to the email's received time when a
// bare clock time (no date) was all that was extracted. Entities with no
// derivable temporal data are left untouched (spec.md §4.10:
// "non-temporal entities pass through unchanged").
func ResolveEntityWindow(e *domain.Entity) {
	switch e.Kind {
	case domain.EntityEvent:
		resolveEventWindow(e)
	case domain.EntityDeadline:
		resolveDeadlineWindow(e)
	}
}

func resolveEventWindow(e *domain.Entity) {
	if e.Event == nil {
		return
	}
	anchor := e.Timestamp
	if e.Event.Date != "" {
		if d, _, ok := parseTimestampString(e.Event.Date); ok {
			anchor = d
		}
	}
	if start, ok := entity.EventStartUTC(e.Event, anchor); ok {
		e.TemporalStart = &start
		if e.Event.EventEndTime != "" {
			endData := &domain.EventData{EventTime: e.Event.EventEndTime, Timezone: e.Event.Timezone}
			if end, ok := entity.EventStartUTC(endData, anchor); ok {
				e.TemporalEnd = &end
			}
		}
	}
}

func resolveDeadlineWindow(e *domain.Entity) {
	if e.Deadline == nil || e.Deadline.DueDate == "" {
		return
	}
	due := resolveRelativePhrase(e.Deadline.DueDate, e.Timestamp)
	if due == nil {
		if t, _, ok := parseTimestampString(e.Deadline.DueDate); ok {
			due = &t
		}
	}
	if due != nil {
		e.TemporalStart = due
	}
}

// resolveRelativePhrase handles the bare "today"/"tomorrow" phrases the
// deadline/reminder extractors capture, which time.Parse cannot parse on its
// own. Any other phrase, weekday names included, returns nil.
func resolveRelativePhrase(phrase string, anchor time.Time) *time.Time {
	switch strings.ToLower(strings.TrimSpace(phrase)) {
	case "today":
		t := anchor
		return &t
	case "tomorrow":
		t := anchor.Add(24 * time.Hour)
		return &t
	default:
		return nil
	}
}

// Resolve applies the decay-window table from spec.md §4.10, setting
// e.Temporal. now is injected so tests (and the pipeline's checkpointed
// batch clock) control it explicitly rather than relying on time.Now.
func Resolve(e *domain.Entity, now time.Time) {
	if e.TemporalStart == nil {
		e.Temporal = &domain.TemporalAnnotation{
			ResolvedImportance: e.Importance,
			DecayReason:        domain.DecayNoTemporal,
			HideInDigest:       false,
		}
		return
	}

	start := *e.TemporalStart
	end := e.TemporalEnd

	var effectiveEnd time.Time
	hasEnd := end != nil
	if hasEnd {
		effectiveEnd = *end
	} else {
		// Deadline-specific fallback (spec.md §4.10): no end_time means
		// expiry uses start+1h, imminence uses start-30m.
		effectiveEnd = start.Add(deadlineExpiryLag)
	}

	imminentStart := start
	if !hasEnd {
		imminentStart = start.Add(-deadlineImminentLead)
	}

	switch {
	case !effectiveEnd.After(now.Add(-imminentWindow)):
		e.Temporal = &domain.TemporalAnnotation{
			ResolvedImportance: domain.ImportanceRoutine,
			DecayReason:        domain.DecayExpired,
			HideInDigest:       true,
		}
	case imminentStart.Before(now.Add(imminentWindow)) || imminentStart.Equal(now.Add(imminentWindow)):
		e.Temporal = &domain.TemporalAnnotation{
			ResolvedImportance: domain.ImportanceCritical,
			DecayReason:        domain.DecayActive,
			HideInDigest:       false,
		}
	case start.After(now.Add(distantWindow)):
		imp := domain.ImportanceRoutine
		if e.Importance == domain.ImportanceCritical {
			imp = domain.ImportanceCritical
		}
		e.Temporal = &domain.TemporalAnnotation{
			ResolvedImportance: imp,
			DecayReason:        domain.DecayDistant,
			HideInDigest:       false,
		}
	default:
		imp := domain.ImportanceTimeSensitive
		if e.Importance == domain.ImportanceCritical {
			imp = domain.ImportanceCritical
		}
		e.Temporal = &domain.TemporalAnnotation{
			ResolvedImportance: imp,
			DecayReason:        domain.DecayUpcoming,
			HideInDigest:       false,
		}
	}
}

// ResolveAll runs ResolveEntityWindow then Resolve for each entity, the
// sequencing the pipeline (C12) needs between extraction and synthesis.
func ResolveAll(entities []domain.Entity, now time.Time) {
	for i := range entities {
		ResolveEntityWindow(&entities[i])
		Resolve(&entities[i], now)
	}
}

// FormatWindow renders a human-readable debug string for an entity's
// resolved temporal window, used in logs.
func FormatWindow(e domain.Entity) string {
	if e.TemporalStart == nil {
		return "no_temporal_data"
	}
	if e.TemporalEnd != nil {
		return fmt.Sprintf("%s - %s", e.TemporalStart.Format(time.RFC3339), e.TemporalEnd.Format(time.RFC3339))
	}
	return e.TemporalStart.Format(time.RFC3339)
}
