package domain

import "time"

// Section is one of the five timeline sections emitted by the synthesizer
// (spec.md §3, §4.11). All four labeled sections appear even when empty;
// EVERYTHING_ELSE only ever carries counts, never itemized entries.
type Section string

const (
	SectionCritical      Section = "CRITICAL"
	SectionToday         Section = "TODAY"
	SectionComingUp      Section = "COMING_UP"
	SectionWorthKnowing  Section = "WORTH_KNOWING"
	SectionEverythingElse Section = "EVERYTHING_ELSE"
)

// OrderedSections lists the four labeled sections in display order.
// EVERYTHING_ELSE is handled separately via NoiseSummary.
var OrderedSections = []Section{SectionCritical, SectionToday, SectionComingUp, SectionWorthKnowing}

// DigestItem is a single featured line in the rendered digest.
type DigestItem struct {
	Section   Section
	Priority  float64
	Title     string
	Snippet   string
	SourceLink string
}

// Digest is the ordered output of the timeline synthesizer (spec.md §3,
// §4.11). NoiseSummary maps a friendly type name to a thread count.
type Digest struct {
	Items        []DigestItem
	NoiseSummary map[string]int
	GeneratedTS  time.Time
}

// GmailThreadLink derives the source link for a digest item from a thread id,
// per spec.md §4.11 ("items include a gmail_thread_link derived from thread_id").
func GmailThreadLink(threadID string) string {
	if threadID == "" {
		return ""
	}
	return "https://mail.google.com/mail/u/0/#inbox/" + threadID
}
