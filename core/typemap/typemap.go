// Package typemap implements the deterministic, global type assignment
// described in spec.md §4.4 (C4): a versioned YAML ruleset mapping
// sender-domain, subject, body, and attachment patterns to an email type.
package typemap

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"inboxdigest/core/domain"
)

// Match records a single deterministic hit, including the rule name used for
// audit logging (spec.md §4.4: "logs every match with matched_rule").
type Match struct {
	Type          domain.EmailType
	Confidence    float64
	MatchedRule   string
	MatchedValue  string
}

// Input carries the fields a TypeMapper needs to evaluate a single email.
// Unexported fields on Rules are matched against these, always
// case-insensitively.
type Input struct {
	SenderEmail      string
	Subject          string
	Snippet          string
	AttachmentNames  []string
	HasICSAttachment bool
	RawHeaders       map[string][]string
}

// typeRule is one YAML rule group: everything under it maps to Type at
// Confidence. Match order within a group follows the field order below
// (header keys -> sender domains -> subject patterns -> body phrases ->
// attachment extensions), mirroring the prototype's
// TypeMapper.get_deterministic_type, extended with an RFC/ESP header match
// the prototype's header-based bulk-mail rules also perform.
type typeRule struct {
	Type            string   `yaml:"type"`
	Confidence      float64  `yaml:"confidence"`
	HeaderKeys      []string `yaml:"header_keys"`
	SenderDomains   []string `yaml:"sender_domains"`
	SubjectPatterns []string `yaml:"subject_patterns"`
	BodyPhrases     []string `yaml:"body_phrases"`
	AttachmentExts  []string `yaml:"attachment_extensions"`
	RequiresICS     bool     `yaml:"requires_ics"`
}

// Ruleset is the top-level YAML document: an ordered list of rule groups,
// evaluated first match wins.
type Ruleset struct {
	Version string     `yaml:"version"`
	Rules   []typeRule `yaml:"rules"`
}

// compiledRule holds a typeRule plus its precompiled subject regexes, so
// loading a ruleset is the only place regexp.Compile is ever called.
type compiledRule struct {
	typeRule
	subjectRe []*regexp.Regexp
}

// TypeMapper is a pure, in-memory matcher over a loaded Ruleset. Safe for
// concurrent use; it performs no I/O after LoadFile/LoadBytes.
type TypeMapper struct {
	mu      sync.RWMutex
	version string
	rules   []compiledRule
}

// LoadFile reads and compiles a ruleset from disk.
func LoadFile(path string) (*TypeMapper, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("typemap: read %s: %w", path, err)
	}
	return LoadBytes(b)
}

// LoadBytes compiles a ruleset from raw YAML.
func LoadBytes(b []byte) (*TypeMapper, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("typemap: parse ruleset: %w", err)
	}
	return fromRuleset(rs)
}

func fromRuleset(rs Ruleset) (*TypeMapper, error) {
	tm := &TypeMapper{version: rs.Version}
	for _, r := range rs.Rules {
		if !isValidEmailType(r.Type) {
			return nil, fmt.Errorf("typemap: rule has unknown type %q", r.Type)
		}
		cr := compiledRule{typeRule: r}
		for _, p := range r.SubjectPatterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("typemap: bad subject_patterns regex %q: %w", p, err)
			}
			cr.subjectRe = append(cr.subjectRe, re)
		}
		tm.rules = append(tm.rules, cr)
	}
	return tm, nil
}

// isValidEmailType reports whether s names one of the closed EmailType
// values. Kept local to the loader rather than exported from domain, since
// ruleset validation is the only caller.
func isValidEmailType(s string) bool {
	switch domain.EmailType(s) {
	case domain.TypeOTP, domain.TypeNotification, domain.TypeReceipt, domain.TypeEvent,
		domain.TypePromotion, domain.TypeNewsletter, domain.TypeMessage, domain.TypeUncategorized:
		return true
	}
	return false
}

// GetDeterministicType runs the match cascade described in spec.md §4.4 and
// the prototype's type_mapper.py: for each rule group in ruleset order,
// header key -> sender domain -> subject pattern -> body phrase ->
// attachment extension, first match wins. A requires_ics rule with no
// patterns matches any email with an ICS attachment. Returns (Match{},
// false) when nothing matches.
func (tm *TypeMapper) GetDeterministicType(in Input) (Match, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	senderLower := strings.ToLower(in.SenderEmail)
	subjectLower := strings.ToLower(in.Subject)
	snippetLower := strings.ToLower(in.Snippet)

	for _, r := range tm.rules {
		if r.RequiresICS && !in.HasICSAttachment {
			continue
		}

		if v, ok := matchHeaderKeys(in.RawHeaders, r.HeaderKeys); ok {
			return tm.result(r, v, "header_keys"), true
		}
		if v, ok := matchDomain(senderLower, r.SenderDomains); ok {
			return tm.result(r, v, "sender_domains"), true
		}
		if v, ok := matchSubject(subjectLower, r.subjectRe, r.SubjectPatterns); ok {
			return tm.result(r, v, "subject_patterns"), true
		}
		if v, ok := matchPhrase(snippetLower, r.BodyPhrases); ok {
			return tm.result(r, v, "body_phrases"), true
		}
		if v, ok := matchAttachment(in.AttachmentNames, r.AttachmentExts); ok {
			return tm.result(r, v, "attachment_extensions"), true
		}
		if r.RequiresICS && len(r.HeaderKeys)+len(r.SenderDomains)+len(r.SubjectPatterns)+len(r.BodyPhrases)+len(r.AttachmentExts) == 0 {
			return tm.result(r, "ics_attachment", "requires_ics"), true
		}
	}
	return Match{}, false
}

func (tm *TypeMapper) result(r compiledRule, value, group string) Match {
	return Match{
		Type:         domain.EmailType(r.Type),
		Confidence:   r.Confidence,
		MatchedRule:  fmt.Sprintf("%s:%s", r.Type, group),
		MatchedValue: value,
	}
}

// matchDomain supports exact sender match ("billing@acme.com") and wildcard
// domain match ("*@acme.com"), mirroring _matches_domain in the prototype.
func matchDomain(senderLower string, domains []string) (string, bool) {
	for _, d := range domains {
		dLower := strings.ToLower(d)
		if strings.HasPrefix(dLower, "*@") {
			suffix := dLower[1:] // "@acme.com"
			if strings.HasSuffix(senderLower, suffix) {
				return d, true
			}
			continue
		}
		if senderLower == dLower {
			return d, true
		}
	}
	return "", false
}

// matchHeaderKeys reports whether any of keys is present (regardless of
// value) in headers, e.g. "List-Unsubscribe" or "Precedence: bulk" marking
// an email as ESP-originated bulk mail. Header lookup is case-insensitive,
// matching RFC 5322's case-insensitive field names.
func matchHeaderKeys(headers map[string][]string, keys []string) (string, bool) {
	if len(headers) == 0 || len(keys) == 0 {
		return "", false
	}
	for _, k := range keys {
		for hk := range headers {
			if strings.EqualFold(hk, k) {
				return k, true
			}
		}
	}
	return "", false
}

func matchSubject(subjectLower string, compiled []*regexp.Regexp, raw []string) (string, bool) {
	for i, re := range compiled {
		if re.MatchString(subjectLower) {
			return raw[i], true
		}
	}
	return "", false
}

func matchPhrase(snippetLower string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(snippetLower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

func matchAttachment(names []string, exts []string) (string, bool) {
	for _, n := range names {
		nLower := strings.ToLower(n)
		for _, ext := range exts {
			if strings.HasSuffix(nLower, strings.ToLower(ext)) {
				return ext, true
			}
		}
	}
	return "", false
}

// Version returns the loaded ruleset's version string, used in
// normalized_input_digest / audit trails.
func (tm *TypeMapper) Version() string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.version
}
