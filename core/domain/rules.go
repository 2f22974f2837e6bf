package domain

import "time"

// PatternType is the closed set of rule-matching strategies shared by
// PendingRule and ActiveRule (spec.md §3, §4.5).
type PatternType string

const (
	PatternSenderExact     PatternType = "sender_exact"
	PatternSubjectContains PatternType = "subject_contains"
	PatternKeyword         PatternType = "keyword"
)

// PendingRule tracks a candidate user pattern awaiting promotion. Promoted to
// ActiveRule once SeenCount >= 2 (spec.md §4.5); never created or promoted for
// category="uncategorized".
type PendingRule struct {
	UserID      string
	PatternType PatternType
	Pattern     string
	Category    string
	SeenCount   int
	LastSeen    time.Time
}

// ReadyForPromotion reports whether this pending rule has crossed the
// promotion threshold.
func (p PendingRule) ReadyForPromotion() bool { return p.SeenCount >= 2 }

// ActiveRule is a promoted or user-confirmed pattern used by the rules engine
// for classification lookups. Unique on (UserID, PatternType, Pattern, Category).
type ActiveRule struct {
	ID          int64
	UserID      string
	PatternType PatternType
	Pattern     string
	Category    string
	Confidence  int // 0-100
	UseCount    int64
}

const (
	// RuleConfidenceLearned is the confidence assigned to a rule promoted
	// from pending (two independent sightings), spec.md §4.5.
	RuleConfidenceLearned = 85
	// RuleConfidenceUserCorrection is the confidence assigned when a user
	// correction seeds a rule directly, spec.md §4.5/§4.8.
	RuleConfidenceUserCorrection = 95
)

// LearnedPattern stores a full multi-axis classification output used to
// build C6's few-shot examples (spec.md §3, §4.8). Distinct from ActiveRule,
// which only carries a category.
type LearnedPattern struct {
	PatternType        PatternType
	PatternValue       string
	ClassificationJSON string
	SupportCount       int
	Confidence         float64
	FirstSeen          time.Time
	LastSeen           time.Time
}

// MinSupportForFewShot is the support-count threshold below which a learned
// pattern is not considered diverse/confirmed enough for a few-shot example
// (spec.md §4.6: "learned patterns (>=3 support)").
const MinSupportForFewShot = 3

// Correction is an immutable record of a user disagreeing with a
// classification (spec.md §3, §4.8).
type Correction struct {
	ID             int64
	UserID         string
	MessageID      string
	PredictedType  EmailType
	ActualType     EmailType
	FromAddress    string
	Subject        string
	Snippet        string
	CorrectedAt    time.Time
}
