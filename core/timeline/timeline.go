// Package timeline implements the timeline synthesizer (spec.md §4.11, C11):
// partition by resolved importance, priority sort, section assignment, and
// text/HTML rendering.
package timeline

import (
	"sort"
	"time"

	"inboxdigest/core/domain"
)

// priorityBase is the base(resolved_importance) table spec.md §4.11 names.
var priorityBase = map[domain.Importance]float64{
	domain.ImportanceCritical:      1.0,
	domain.ImportanceTimeSensitive: 0.7,
	domain.ImportanceRoutine:       0.3,
}

// Priority computes base(resolved_importance) x confidence (spec.md §4.11
// step 3).
func Priority(e domain.Entity) float64 {
	return priorityBase[e.ResolvedImportance()] * e.Confidence
}

// ClassifiedEmail pairs a parsed email with its cascade output, the unit
// the timeline groups routine/orphan mail by (spec.md §4.11 step 4).
type ClassifiedEmail struct {
	Email          domain.ParsedEmail
	Classification domain.Classification
}

// Section is the closed set of digest sections spec.md §4.11 step 5 names.
type Section string

const (
	SectionCritical     Section = "CRITICAL"
	SectionToday        Section = "TODAY"
	SectionComingUp     Section = "COMING UP"
	SectionWorthKnowing Section = "WORTH KNOWING"
	SectionEverythingElse Section = "EVERYTHING ELSE"
)

// sectionOrder is the fixed rendering order; all four labeled sections must
// appear even when empty (spec.md §4.11 step 6). EVERYTHING ELSE is counts-only.
var sectionOrder = []Section{SectionCritical, SectionToday, SectionComingUp, SectionWorthKnowing}

// friendlyTypeNames maps the closed EmailType enum to the display name used
// in noise_breakdown, mirroring the teacher's categories table
// (name, friendly_name) and shopq's get_friendly_type_name.
var friendlyTypeNames = map[domain.EmailType]string{
	domain.TypeOTP:           "verification codes",
	domain.TypeNotification:  "notifications",
	domain.TypeReceipt:       "receipts",
	domain.TypeEvent:         "events",
	domain.TypePromotion:     "promotions",
	domain.TypeNewsletter:    "newsletters",
	domain.TypeMessage:       "messages",
	domain.TypeUncategorized: "uncategorized",
}

func friendlyTypeName(t domain.EmailType) string {
	if name, ok := friendlyTypeNames[t]; ok {
		return name
	}
	return string(t)
}

// Timeline is the synthesizer's output (spec.md §4.11).
type Timeline struct {
	Featured           []domain.Entity
	NoiseBreakdown     map[string]int
	TotalEmails        int
	CriticalCount      int
	TimeSensitiveCount int
	RoutineCount       int
	Sections           map[Section][]domain.Entity
	SectionCounts      map[Section]int
	EverythingElseCount int
}

// WordBudget returns the adaptive (min, max) word budget for the narrative
// summary, size-scaled per spec.md §4.11's closing paragraph.
func (tl Timeline) WordBudget() (int, int) {
	switch {
	case tl.TotalEmails <= 10:
		return 60, 90
	case tl.TotalEmails <= 30:
		return 90, 120
	case tl.TotalEmails <= 100:
		return 120, 150
	default:
		return 150, 180
	}
}

// Build runs the full synthesizer algorithm from spec.md §4.11: partition,
// featured selection (no caps), priority sort with deterministic tie-break,
// noise_breakdown, and section assignment. now drives the within-24h/7d
// section thresholds.
func Build(emails []ClassifiedEmail, entities []domain.Entity, now time.Time) Timeline {
	tl := Timeline{
		TotalEmails:    len(emails),
		NoiseBreakdown: map[string]int{},
		Sections:       map[Section][]domain.Entity{},
		SectionCounts:  map[Section]int{},
	}

	var critical, timeSensitive, routine []domain.Entity
	extractedEmailIDs := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e.SourceEmailID != "" {
			extractedEmailIDs[e.SourceEmailID] = true
		}
		switch e.ResolvedImportance() {
		case domain.ImportanceCritical:
			critical = append(critical, e)
		case domain.ImportanceTimeSensitive:
			timeSensitive = append(timeSensitive, e)
		default:
			routine = append(routine, e)
		}
	}
	tl.CriticalCount = len(critical)
	tl.TimeSensitiveCount = len(timeSensitive)
	tl.RoutineCount = len(routine)

	sortByPriority(critical)
	sortByPriority(timeSensitive)

	tl.Featured = append(append([]domain.Entity{}, critical...), timeSensitive...)

	noiseEmails := make([]ClassifiedEmail, 0, len(emails))
	for _, ce := range emails {
		if ce.Classification.Importance == domain.ImportanceRoutine {
			noiseEmails = append(noiseEmails, ce)
			continue
		}
		if ce.Classification.Importance == domain.ImportanceTimeSensitive && !extractedEmailIDs[ce.Email.MessageID] {
			noiseEmails = append(noiseEmails, ce)
		}
	}
	tl.NoiseBreakdown = noiseBreakdownByThread(noiseEmails)

	for _, e := range tl.Featured {
		section := assignSection(e, now)
		tl.Sections[section] = append(tl.Sections[section], e)
	}
	for _, s := range sectionOrder {
		tl.SectionCounts[s] = len(tl.Sections[s])
	}
	tl.EverythingElseCount = tl.RoutineCount + len(tl.Sections[SectionEverythingElse])

	return tl
}

// sortByPriority sorts descending by Priority, ties broken by
// (timestamp desc, source_email_id) for deterministic output (spec.md §4.11
// step 3).
func sortByPriority(entities []domain.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		pi, pj := Priority(entities[i]), Priority(entities[j])
		if pi != pj {
			return pi > pj
		}
		if !entities[i].Timestamp.Equal(entities[j].Timestamp) {
			return entities[i].Timestamp.After(entities[j].Timestamp)
		}
		return entities[i].SourceEmailID < entities[j].SourceEmailID
	})
}

// noiseBreakdownByThread groups routine + orphan time-sensitive emails by
// Gemini type, counting distinct threads rather than messages (spec.md
// §4.11 step 4).
func noiseBreakdownByThread(emails []ClassifiedEmail) map[string]int {
	threadToType := make(map[string]string)
	for _, ce := range emails {
		threadID := ce.Email.ThreadID
		if threadID == "" {
			threadID = ce.Email.MessageID
		}
		if threadID == "" {
			continue
		}
		if _, seen := threadToType[threadID]; seen {
			continue
		}
		threadToType[threadID] = friendlyTypeName(ce.Classification.Type)
	}
	counts := make(map[string]int)
	for _, name := range threadToType {
		counts[name]++
	}
	return counts
}

func assignSection(e domain.Entity, now time.Time) Section {
	if e.Notification != nil && e.Notification.Category == domain.NotificationFraudAlert {
		return SectionCritical
	}
	if e.Kind == domain.EntityDeadline && e.Temporal != nil && e.Temporal.DecayReason == domain.DecayActive {
		return SectionCritical
	}
	if e.ResolvedImportance() == domain.ImportanceCritical {
		return SectionCritical
	}

	within := func(horizon time.Duration) bool {
		return e.TemporalStart != nil && !e.TemporalStart.After(now.Add(horizon))
	}

	if e.Notification != nil && e.Notification.ShipStatus == "out_for_delivery" {
		return SectionToday
	}
	if (e.Kind == domain.EntityEvent || e.Kind == domain.EntityDeadline) && within(24*time.Hour) {
		return SectionToday
	}
	if e.Notification != nil && e.Notification.ShipStatus != "" && within(24*time.Hour) {
		return SectionToday
	}

	if (e.Kind == domain.EntityEvent || e.Kind == domain.EntityDeadline ||
		(e.Notification != nil && e.Notification.ShipStatus != "")) && within(7*24*time.Hour) {
		return SectionComingUp
	}

	switch e.Kind {
	case domain.EntityDeadline:
		return SectionWorthKnowing
	}
	if e.Notification != nil {
		switch e.Notification.Category {
		case domain.NotificationDelivery, domain.NotificationBill, domain.NotificationReservation:
			return SectionWorthKnowing
		}
	}

	return SectionEverythingElse
}
