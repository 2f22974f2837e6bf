package timeline

import (
	"strings"
	"testing"
	"time"

	"inboxdigest/core/domain"
)

func withTemporal(e domain.Entity, resolved domain.Importance) domain.Entity {
	e.Temporal = &domain.TemporalAnnotation{ResolvedImportance: resolved}
	return e
}

func TestPriority_BaseTimesConfidence(t *testing.T) {
	e := withTemporal(domain.Entity{Confidence: 0.5}, domain.ImportanceCritical)
	if got := Priority(e); got != 0.5 {
		t.Errorf("Priority=%v, want 0.5", got)
	}
	e2 := withTemporal(domain.Entity{Confidence: 0.5}, domain.ImportanceTimeSensitive)
	if got := Priority(e2); got != 0.35 {
		t.Errorf("Priority=%v, want 0.35", got)
	}
}

func TestBuild_FeaturedIncludesAllCriticalAndTimeSensitiveUncapped(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)

	var entities []domain.Entity
	for i := 0; i < 20; i++ {
		entities = append(entities, withTemporal(domain.Entity{
			Kind: domain.EntityEvent, Confidence: 0.9, SourceEmailID: "c", Timestamp: now,
		}, domain.ImportanceCritical))
	}
	for i := 0; i < 20; i++ {
		entities = append(entities, withTemporal(domain.Entity{
			Kind: domain.EntityEvent, Confidence: 0.9, SourceEmailID: "t", Timestamp: now,
		}, domain.ImportanceTimeSensitive))
	}

	tl := Build(nil, entities, now)

	if len(tl.Featured) != 40 {
		t.Errorf("len(Featured)=%d, want 40 (no caps)", len(tl.Featured))
	}
}

func TestBuild_SortsDescendingByPriorityWithDeterministicTieBreak(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	older := now.Add(-time.Hour)

	a := withTemporal(domain.Entity{Confidence: 1.0, SourceEmailID: "b", Timestamp: now}, domain.ImportanceCritical)
	b := withTemporal(domain.Entity{Confidence: 1.0, SourceEmailID: "a", Timestamp: now}, domain.ImportanceCritical)
	c := withTemporal(domain.Entity{Confidence: 1.0, SourceEmailID: "z", Timestamp: older}, domain.ImportanceCritical)

	tl := Build(nil, []domain.Entity{c, a, b}, now)

	if len(tl.Featured) != 3 {
		t.Fatalf("len(Featured)=%d, want 3", len(tl.Featured))
	}
	// a and b tie on priority and timestamp; SourceEmailID "a" sorts before "b".
	if tl.Featured[0].SourceEmailID != "a" || tl.Featured[1].SourceEmailID != "b" {
		t.Errorf("tie-break order wrong: got %s, %s", tl.Featured[0].SourceEmailID, tl.Featured[1].SourceEmailID)
	}
	if tl.Featured[2].SourceEmailID != "z" {
		t.Errorf("older timestamp should sort last, got %s", tl.Featured[2].SourceEmailID)
	}
}

func TestBuild_NoiseBreakdownCountsDistinctThreadsNotMessages(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)

	emails := []ClassifiedEmail{
		{Email: domain.ParsedEmail{MessageID: "m1", ThreadID: "th1"}, Classification: domain.Classification{Type: domain.TypeReceipt, Importance: domain.ImportanceRoutine}},
		{Email: domain.ParsedEmail{MessageID: "m2", ThreadID: "th1"}, Classification: domain.Classification{Type: domain.TypeReceipt, Importance: domain.ImportanceRoutine}},
		{Email: domain.ParsedEmail{MessageID: "m3", ThreadID: "th2"}, Classification: domain.Classification{Type: domain.TypeNewsletter, Importance: domain.ImportanceRoutine}},
	}

	tl := Build(emails, nil, now)

	if tl.NoiseBreakdown["receipts"] != 1 {
		t.Errorf("receipts count=%d, want 1 (dedup by thread)", tl.NoiseBreakdown["receipts"])
	}
	if tl.NoiseBreakdown["newsletters"] != 1 {
		t.Errorf("newsletters count=%d, want 1", tl.NoiseBreakdown["newsletters"])
	}
}

func TestBuild_OrphanedTimeSensitiveEmailFoldedIntoNoise(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)

	emails := []ClassifiedEmail{
		{Email: domain.ParsedEmail{MessageID: "m1", ThreadID: "th1"}, Classification: domain.Classification{Type: domain.TypeNotification, Importance: domain.ImportanceTimeSensitive}},
	}
	// No entity extracted for m1: it is "orphaned" and should fold into noise.
	tl := Build(emails, nil, now)

	if tl.NoiseBreakdown["notifications"] != 1 {
		t.Errorf("orphaned time_sensitive email should be counted as noise, got %v", tl.NoiseBreakdown)
	}
}

func TestBuild_ExtractedTimeSensitiveEmailIsNotOrphaned(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	start := now.Add(3 * 24 * time.Hour)

	emails := []ClassifiedEmail{
		{Email: domain.ParsedEmail{MessageID: "m1", ThreadID: "th1"}, Classification: domain.Classification{Type: domain.TypeEvent, Importance: domain.ImportanceTimeSensitive}},
	}
	entities := []domain.Entity{
		withTemporal(domain.Entity{
			Kind: domain.EntityEvent, Confidence: 0.9, SourceEmailID: "m1", SourceThreadID: "th1",
			Timestamp: start, TemporalStart: &start,
		}, domain.ImportanceTimeSensitive),
	}

	tl := Build(emails, entities, now)

	if len(tl.NoiseBreakdown) != 0 {
		t.Errorf("extracted email must not be counted as noise, got %v", tl.NoiseBreakdown)
	}
	if len(tl.Featured) != 1 {
		t.Errorf("len(Featured)=%d, want 1", len(tl.Featured))
	}
}

func TestAssignSection_FraudAlertAlwaysCritical(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	e := withTemporal(domain.Entity{
		Kind:         domain.EntityNotification,
		Notification: &domain.NotificationData{Category: domain.NotificationFraudAlert},
	}, domain.ImportanceTimeSensitive)

	if got := assignSection(e, now); got != SectionCritical {
		t.Errorf("assignSection=%q, want CRITICAL", got)
	}
}

func TestAssignSection_EventWithin24hIsToday(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	start := now.Add(6 * time.Hour)
	e := withTemporal(domain.Entity{Kind: domain.EntityEvent, TemporalStart: &start}, domain.ImportanceTimeSensitive)

	if got := assignSection(e, now); got != SectionToday {
		t.Errorf("assignSection=%q, want TODAY", got)
	}
}

func TestAssignSection_EventWithinSevenDaysIsComingUp(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	start := now.Add(3 * 24 * time.Hour)
	e := withTemporal(domain.Entity{Kind: domain.EntityEvent, TemporalStart: &start}, domain.ImportanceTimeSensitive)

	if got := assignSection(e, now); got != SectionComingUp {
		t.Errorf("assignSection=%q, want COMING UP", got)
	}
}

func TestAssignSection_RoutineDeliveryIsWorthKnowing(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	e := withTemporal(domain.Entity{
		Kind:         domain.EntityNotification,
		Notification: &domain.NotificationData{Category: domain.NotificationDelivery},
	}, domain.ImportanceTimeSensitive)

	if got := assignSection(e, now); got != SectionWorthKnowing {
		t.Errorf("assignSection=%q, want WORTH KNOWING", got)
	}
}

func TestWordBudget_ScalesWithTotalEmails(t *testing.T) {
	cases := []struct {
		total    int
		min, max int
	}{
		{5, 60, 90},
		{25, 90, 120},
		{80, 120, 150},
		{200, 150, 180},
	}
	for _, c := range cases {
		tl := Timeline{TotalEmails: c.total}
		min, max := tl.WordBudget()
		if min != c.min || max != c.max {
			t.Errorf("total=%d: got (%d,%d), want (%d,%d)", c.total, min, max, c.min, c.max)
		}
	}
}

func TestRenderText_AllFourSectionsAlwaysPresent(t *testing.T) {
	now := time.Date(2026, 7, 20, 12, 0, 0, 0, time.UTC)
	tl := Build(nil, nil, now)

	out := RenderText(tl, now)
	for _, s := range []string{"CRITICAL (0)", "TODAY (0)", "COMING UP (0)", "WORTH KNOWING (0)", "EVERYTHING ELSE (0)"} {
		if !strings.Contains(out, s) {
			t.Errorf("rendered text missing section header %q:\n%s", s, out)
		}
	}
}
