package timeline

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"inboxdigest/core/domain"
)

// gmailThreadLink derives the thread permalink the digest UI renders beside
// every featured item (spec.md §4.11: "gmail_thread_link derived from
// thread_id").
func gmailThreadLink(threadID string) string {
	if threadID == "" {
		return ""
	}
	return "https://mail.google.com/mail/u/0/#all/" + threadID
}

// ageContextPrefix mirrors synthesizer.py's age-bucketed "[N days old] "
// prefix, applied to entities extracted from emails older than 2 days.
func ageContextPrefix(ts time.Time, now time.Time) string {
	age := now.Sub(ts)
	if age > 2*24*time.Hour {
		return fmt.Sprintf("[%d days old] ", int(age.Hours()/24))
	}
	return ""
}

// entityText renders a single entity as the natural-language line the
// digest shows, per-kind phrasing lifted from synthesizer.py's
// _entity_to_text (notification categories where "subject already
// describes it" pass the subject through bare).
func entityText(e domain.Entity, now time.Time) string {
	prefix := ageContextPrefix(e.Timestamp, now)

	switch e.Kind {
	case domain.EntityFlight:
		if e.Flight == nil {
			break
		}
		return fmt.Sprintf("%sFlight %s %s, departs %s", prefix, e.Flight.Airline, e.Flight.FlightNumber, e.Flight.DepartureTime)
	case domain.EntityEvent:
		if e.Event == nil {
			break
		}
		when := e.Event.EventTime
		if e.Event.Date != "" {
			when = e.Event.Date + " " + when
		}
		loc := ""
		if e.Event.Location != "" {
			loc = " at " + e.Event.Location
		}
		return fmt.Sprintf("%s%s: %s%s", prefix, e.Event.Title, strings.TrimSpace(when), loc)
	case domain.EntityDeadline:
		if e.Deadline == nil {
			break
		}
		return fmt.Sprintf("%s%s due %s", prefix, e.Deadline.Title, e.Deadline.DueDate)
	case domain.EntityReminder:
		if e.Reminder == nil {
			break
		}
		return prefix + e.Reminder.Action
	case domain.EntityPromo:
		if e.Promo == nil {
			break
		}
		return fmt.Sprintf("%s%s: %s", prefix, e.Promo.Merchant, e.Promo.Offer)
	case domain.EntityNotification:
		if e.Notification == nil {
			break
		}
		switch e.Notification.Category {
		case domain.NotificationFraudAlert:
			return fmt.Sprintf("%sFraud alert: %s", prefix, e.SourceSubject)
		case domain.NotificationBill:
			return fmt.Sprintf("%sBill: %s", prefix, e.SourceSubject)
		case domain.NotificationDelivery, domain.NotificationJobOpportunity, domain.NotificationClaim, domain.NotificationReservation:
			// subject already describes it
			return prefix + e.SourceSubject
		default:
			return prefix + e.SourceSubject
		}
	}
	return prefix + e.SourceSubject
}

// RenderText produces the plain-text digest: four labeled sections always
// present (even when empty), each with a count and its items, followed by
// an EVERYTHING ELSE counts-only line (spec.md §4.11 step 6).
func RenderText(tl Timeline, now time.Time) string {
	var b strings.Builder
	for _, s := range sectionOrder {
		items := tl.Sections[s]
		fmt.Fprintf(&b, "%s (%d)\n", s, len(items))
		if len(items) == 0 {
			b.WriteString("  (none)\n\n")
			continue
		}
		for _, e := range items {
			link := gmailThreadLink(e.SourceThreadID)
			if link != "" {
				fmt.Fprintf(&b, "  - %s [%s]\n", entityText(e, now), link)
			} else {
				fmt.Fprintf(&b, "  - %s\n", entityText(e, now))
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "%s (%d)\n", SectionEverythingElse, tl.EverythingElseCount)
	if len(tl.NoiseBreakdown) == 0 {
		b.WriteString("  (none)\n")
	} else {
		for _, name := range sortedNoiseKeys(tl.NoiseBreakdown) {
			fmt.Fprintf(&b, "  - %d %s\n", tl.NoiseBreakdown[name], name)
		}
	}

	minWords, maxWords := tl.WordBudget()
	fmt.Fprintf(&b, "\n(summary target: %d-%d words)\n", minWords, maxWords)

	return b.String()
}

func sortedNoiseKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// RenderHTML produces the HTML digest counterpart, escaping entity text via
// the standard library's html.EscapeString rather than hand-rolled string
// replacement.
func RenderHTML(tl Timeline, now time.Time) string {
	var b strings.Builder
	b.WriteString("<div class=\"digest\">\n")
	for _, s := range sectionOrder {
		items := tl.Sections[s]
		fmt.Fprintf(&b, "<section><h2>%s (%d)</h2>\n", htmlEscape(string(s)), len(items))
		if len(items) == 0 {
			b.WriteString("<p class=\"empty\">Nothing here.</p></section>\n")
			continue
		}
		b.WriteString("<ul>\n")
		for _, e := range items {
			link := gmailThreadLink(e.SourceThreadID)
			if link != "" {
				fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", htmlEscape(link), htmlEscape(entityText(e, now)))
			} else {
				fmt.Fprintf(&b, "<li>%s</li>\n", htmlEscape(entityText(e, now)))
			}
		}
		b.WriteString("</ul></section>\n")
	}

	fmt.Fprintf(&b, "<section><h2>%s (%d)</h2>\n", SectionEverythingElse, tl.EverythingElseCount)
	if len(tl.NoiseBreakdown) == 0 {
		b.WriteString("<p class=\"empty\">Nothing here.</p>")
	} else {
		b.WriteString("<ul>\n")
		for _, name := range sortedNoiseKeys(tl.NoiseBreakdown) {
			fmt.Fprintf(&b, "<li>%d %s</li>\n", tl.NoiseBreakdown[name], htmlEscape(name))
		}
		b.WriteString("</ul>\n")
	}
	b.WriteString("</section>\n</div>\n")

	return b.String()
}

func htmlEscape(s string) string {
	return html.EscapeString(s)
}
