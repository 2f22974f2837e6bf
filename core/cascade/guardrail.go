package cascade

import (
	"strings"

	"inboxdigest/core/domain"
)

// guardrailAction is one of the three actions spec.md §9 names for the
// guardrail layer that sits between the cascade and the synthesizer.
type guardrailAction string

const (
	actionNever             guardrailAction = "never"
	actionForceCritical     guardrailAction = "force_critical"
	actionForceNonCritical  guardrailAction = "force_non_critical"
)

// guardrailRule matches a classification by type and/or a keyword found in
// the subject or snippet, then applies its action. The rule catalog is
// intentionally small and explicit rather than data-driven config, since
// spec.md §9 leaves the catalog's source external and unresolved; these are
// the three cases the spec itself names.
type guardrailRule struct {
	action  guardrailAction
	types   []domain.EmailType
	keyword string
}

// defaultGuardrailCatalog encodes the three guardrails spec.md §9 names
// directly: OTPs never surfaced as critical, calendar auto-responses forced
// non-critical, fraud forced critical.
var defaultGuardrailCatalog = []guardrailRule{
	{action: actionNever, types: []domain.EmailType{domain.TypeOTP}},
	{action: actionForceNonCritical, keyword: "has declined your invitation"},
	{action: actionForceNonCritical, keyword: "has tentatively accepted"},
	{action: actionForceCritical, keyword: "fraud"},
	{action: actionForceCritical, keyword: "suspicious sign-in"},
	{action: actionForceCritical, keyword: "unauthorized charge"},
}

// Guardrails evaluates the ordered catalog against a classification,
// applying precedence never > force_critical > force_non_critical exactly
// as spec.md §9 specifies.
type Guardrails struct {
	catalog []guardrailRule
}

func NewGuardrails() *Guardrails {
	return &Guardrails{catalog: defaultGuardrailCatalog}
}

// NewGuardrailsWithCatalog allows tests (or future external config) to
// supply a custom rule catalog.
func NewGuardrailsWithCatalog(catalog []guardrailRule) *Guardrails {
	return &Guardrails{catalog: catalog}
}

// Apply evaluates the catalog against subject/snippet and the classification
// produced so far, in never > force_critical > force_non_critical order: the
// first matching "never" rule wins outright; otherwise the first matching
// force_critical rule wins; otherwise the first matching force_non_critical
// rule applies.
func (g *Guardrails) Apply(subject, snippet string, cls domain.Classification) domain.Classification {
	haystack := strings.ToLower(subject + " " + snippet)

	if rule, ok := firstMatch(g.catalog, actionNever, cls.Type, haystack); ok {
		_ = rule
		cls.Importance = domain.ImportanceRoutine
		cls.Reason = appendGuardrailReason(cls.Reason, "guardrail:never")
		return cls
	}
	if rule, ok := firstMatch(g.catalog, actionForceCritical, cls.Type, haystack); ok {
		_ = rule
		cls.Importance = domain.ImportanceCritical
		cls.Reason = appendGuardrailReason(cls.Reason, "guardrail:force_critical")
		return cls
	}
	if rule, ok := firstMatch(g.catalog, actionForceNonCritical, cls.Type, haystack); ok {
		_ = rule
		if cls.Importance == domain.ImportanceCritical {
			cls.Importance = domain.ImportanceTimeSensitive
		}
		cls.Reason = appendGuardrailReason(cls.Reason, "guardrail:force_non_critical")
	}
	return cls
}

func firstMatch(catalog []guardrailRule, action guardrailAction, t domain.EmailType, haystack string) (guardrailRule, bool) {
	for _, r := range catalog {
		if r.action != action {
			continue
		}
		if ruleMatches(r, t, haystack) {
			return r, true
		}
	}
	return guardrailRule{}, false
}

func ruleMatches(r guardrailRule, t domain.EmailType, haystack string) bool {
	if len(r.types) > 0 {
		found := false
		for _, want := range r.types {
			if want == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.keyword != "" && !strings.Contains(haystack, r.keyword) {
		return false
	}
	return len(r.types) > 0 || r.keyword != ""
}

func appendGuardrailReason(reason, tag string) string {
	if reason == "" {
		return tag
	}
	return reason + "; " + tag
}
