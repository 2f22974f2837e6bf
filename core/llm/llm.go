// Package llm implements the prompted multi-axis classifier (spec.md §4.6,
// C6): sanitize -> call -> extract JSON -> validate -> enrich, with JSON
// repair, a schema-validation retry, and a safe fallback on exhaustion.
package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"inboxdigest/core/domain"
	"inboxdigest/pkg/apperr"
	"inboxdigest/pkg/resilience"
)

// Completer is the minimal model boundary C6 depends on, matching the
// teacher's Client.CompleteWithSystem shape so the real openai-backed client
// satisfies it without an adapter layer.
type Completer interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// FewShotExample is one worked example placed in the prompt's few-shot
// block, either a static seed or a learned pattern (spec.md §4.6, §4.8).
type FewShotExample struct {
	From               string
	Subject            string
	Snippet            string
	ClassificationJSON string
}

// Classifier is the C6 LLM classifier.
type Classifier struct {
	completer     Completer
	modelName     string
	modelVersion  string
	promptVersion string

	timeout time.Duration
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker

	staticExamples []FewShotExample
}

// Config configures a Classifier.
type Config struct {
	ModelName     string
	ModelVersion  string
	PromptVersion string
	Timeout       time.Duration
	Retry         resilience.RetryPolicy
	Breaker       *resilience.CircuitBreaker
	StaticExamples []FewShotExample
}

// DefaultLLMRetryPolicy retries transient call failures but never retries a
// timeout, matching spec.md §4.6 step 2 ("on timeout, raise timeout
// immediately").
func DefaultLLMRetryPolicy() resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	p.NonRetryable = func(err error) bool {
		return apperr.KindOf(err) == apperr.KindPermanentAdapter
	}
	return p
}

func New(completer Completer, cfg Config) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("llm-invalid-json"))
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultLLMRetryPolicy()
	}
	return &Classifier{
		completer:      completer,
		modelName:      cfg.ModelName,
		modelVersion:   cfg.ModelVersion,
		promptVersion:  cfg.PromptVersion,
		timeout:        cfg.Timeout,
		retry:          cfg.Retry,
		breaker:        cfg.Breaker,
		staticExamples: cfg.StaticExamples,
	}
}

// promptInjectionPatterns strips the common jailbreak phrases and role/
// template tokens out of user-controlled text before it reaches the prompt
// (spec.md §4.6 step 1).
var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all|any|the)? ?previous instructions`),
	regexp.MustCompile(`(?i)disregard (all|any|the)? ?(system|prior) prompt`),
	regexp.MustCompile(`(?i)you are now`),
	regexp.MustCompile(`(?i)\bsystem:\s*`),
	regexp.MustCompile(`(?i)\bassistant:\s*`),
	regexp.MustCompile(`\{\{.*?\}\}`),
	regexp.MustCompile(`\{%.*?%\}`),
}

const (
	maxSanitizedFieldLen = 500
	maxSnippetLen        = 1500
)

// Sanitize implements spec.md §4.6 step 1: strip/redact known injection
// patterns, escape templating braces, truncate to length caps.
func Sanitize(field string, maxLen int) string {
	s := field
	for _, re := range promptInjectionPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	s = strings.ReplaceAll(s, "{", "(")
	s = strings.ReplaceAll(s, "}", ")")
	if maxLen <= 0 {
		maxLen = maxSanitizedFieldLen
	}
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

const systemPromptTemplate = `You are an email classification engine. You assign exactly four independent labels to a single email and respond with JSON only, matching this schema:

{
  "type": "otp|notification|receipt|event|promotion|newsletter|message|uncategorized",
  "type_conf": 0.0-1.0,
  "importance": "critical|time_sensitive|routine",
  "importance_conf": 0.0-1.0,
  "attention": "none|action_required",
  "attention_conf": 0.0-1.0,
  "relationship": "from_known_person|from_business|from_unknown",
  "relationship_conf": 0.0-1.0,
  "reason": "one short sentence",
  "propose_rule": {"should_propose": true|false, "pattern_type": "sender_exact|subject_contains|keyword", "pattern": "...", "category": "..."}
}

Never invent a value outside the enums above. If unsure, lower the matching confidence rather than guessing.%s`

func buildSystemPrompt(examples []FewShotExample) string {
	if len(examples) == 0 {
		return fmt.Sprintf(systemPromptTemplate, "")
	}
	var b strings.Builder
	b.WriteString("\n\nExamples:\n")
	for _, ex := range examples {
		fmt.Fprintf(&b, "From: %s\nSubject: %s\nSnippet: %s\nClassification: %s\n\n",
			ex.From, ex.Subject, ex.Snippet, ex.ClassificationJSON)
	}
	return fmt.Sprintf(systemPromptTemplate, b.String())
}

func userPrompt(from, subject, snippet string) string {
	return fmt.Sprintf("From: %s\nSubject: %s\nSnippet: %s", from, subject, snippet)
}

// fenceRe strips ```json ... ``` / ``` ... ``` code fences around a response.
var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func stripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

// extractJSON implements spec.md §4.6 step 3: strict parse first, then
// locate the largest {...} span and progressively repair it. Returns the
// repaired JSON text and the name of the repair step that worked ("strict"
// when no repair was needed).
func extractJSON(raw string) (text string, step string, err error) {
	candidate := stripFences(raw)

	var probe map[string]any
	if json.Unmarshal([]byte(candidate), &probe) == nil {
		return candidate, "strict", nil
	}

	span := largestBraceSpan(candidate)
	if span == "" {
		return "", "", fmt.Errorf("llm: no JSON object found in response")
	}
	if json.Unmarshal([]byte(span), &probe) == nil {
		return span, "brace_span", nil
	}

	repaired := repairTrailingCommas(span)
	if json.Unmarshal([]byte(repaired), &probe) == nil {
		return repaired, "trailing_comma_removed", nil
	}

	repaired = insertMissingCommas(repaired)
	if json.Unmarshal([]byte(repaired), &probe) == nil {
		return repaired, "comma_inserted", nil
	}

	return "", "", fmt.Errorf("llm: JSON repair exhausted")
}

func largestBraceSpan(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

func repairTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// insertMissingCommas inserts a comma between an adjacent string/number/
// boolean value and the next quoted key, matching spec.md §4.6's described
// repair step.
var missingCommaRe = regexp.MustCompile(`("(?:[^"\\]|\\.)*"|true|false|[0-9.]+)\s*\n?\s*("(?:[^"\\]|\\.)*"\s*:)`)

func insertMissingCommas(s string) string {
	return missingCommaRe.ReplaceAllString(s, "$1,$2")
}

// llmOutput is the wire shape produced by the model before enrichment with
// version metadata and message identity.
type llmOutput struct {
	Type             string             `json:"type"`
	TypeConf         float64            `json:"type_conf"`
	Importance       string             `json:"importance"`
	ImportanceConf   float64            `json:"importance_conf"`
	Attention        string             `json:"attention"`
	AttentionConf    float64            `json:"attention_conf"`
	Relationship     string             `json:"relationship"`
	RelationshipConf float64            `json:"relationship_conf"`
	Reason           string             `json:"reason"`
	ProposeRule      domain.ProposeRule `json:"propose_rule"`
}

func (o llmOutput) toClassification(messageID string) domain.Classification {
	return domain.Classification{
		MessageID:        messageID,
		Type:             domain.EmailType(o.Type),
		TypeConf:         o.TypeConf,
		Importance:       domain.Importance(o.Importance),
		ImportanceConf:   o.ImportanceConf,
		Attention:        domain.Attention(o.Attention),
		AttentionConf:    o.AttentionConf,
		Relationship:     domain.Relationship(o.Relationship),
		RelationshipConf: o.RelationshipConf,
		Decider:          domain.DeciderGemini,
		Reason:           o.Reason,
		ProposeRule:      o.ProposeRule,
	}
}

const retryHint = "\n\nYour previous response did not match the schema. Return only the JSON object matching the schema."

// Classify runs the full C6 pipeline for a single email and always returns a
// valid Classification: on any unrecoverable failure it returns
// domain.SafeFallback, never an error the caller must special-case.
func (c *Classifier) Classify(ctx context.Context, messageID, from, subject, snippet string, learned []FewShotExample) domain.Classification {
	sanitizedFrom := Sanitize(from, maxSanitizedFieldLen)
	sanitizedSubject := Sanitize(subject, maxSanitizedFieldLen)
	sanitizedSnippet := Sanitize(snippet, maxSnippetLen)

	examples := append(append([]FewShotExample{}, c.staticExamples...), learned...)
	systemPrompt := buildSystemPrompt(examples)
	user := userPrompt(sanitizedFrom, sanitizedSubject, sanitizedSnippet)

	cls, err := c.attempt(ctx, messageID, systemPrompt, user, sanitizedFrom)
	if err == nil {
		return cls
	}

	// One retry with a schema-compliance hint appended, per spec.md §4.6 step 4.
	cls, err = c.attempt(ctx, messageID, systemPrompt+retryHint, user, sanitizedFrom)
	if err == nil {
		return cls
	}

	return domain.SafeFallback(messageID, c.modelName, c.modelVersion, c.promptVersion, err.Error())
}

func (c *Classifier) attempt(ctx context.Context, messageID, systemPrompt, userPrompt, fromAddress string) (domain.Classification, error) {
	raw, err := c.call(ctx, systemPrompt, userPrompt)
	if err != nil {
		return domain.Classification{}, err
	}

	text, _, err := extractJSON(raw)
	if err != nil {
		c.recordBreaker(err)
		return domain.Classification{}, apperr.JSONErr("llm.extract", err)
	}

	var out llmOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		c.recordBreaker(err)
		return domain.Classification{}, apperr.JSONErr("llm.unmarshal", err)
	}

	cls := out.toClassification(messageID)
	cls.ModelName = c.modelName
	cls.ModelVersion = c.modelVersion
	cls.PromptVersion = c.promptVersion

	if err := cls.Validate(); err != nil {
		c.recordBreaker(err)
		return domain.Classification{}, apperr.ValidationErr("llm.validate", err.Error())
	}
	c.recordBreaker(nil)
	return cls, nil
}

// call enforces a per-attempt timeout by waiting on the completer from a
// separate goroutine against an explicit context deadline (spec.md §4.6
// step 2: "not trusting the SDK") and retries transient failures with the
// configured backoff.
func (c *Classifier) call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.breaker.State() == resilience.StateOpen {
		return "", apperr.CircuitOpenErr("llm")
	}

	type reply struct {
		resp string
		err  error
	}

	var result string
	err := c.retry.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		done := make(chan reply, 1)
		go func() {
			resp, err := c.completer.CompleteWithSystem(callCtx, systemPrompt, userPrompt)
			done <- reply{resp: resp, err: err}
		}()

		var r reply
		select {
		case r = <-done:
		case <-callCtx.Done():
			return apperr.PermanentErr("llm.call", callCtx.Err())
		}
		if r.err != nil {
			if callCtx.Err() != nil {
				return apperr.PermanentErr("llm.call", callCtx.Err())
			}
			return apperr.TransientErr("llm.call", r.err)
		}
		result = r.resp
		return nil
	})
	return result, err
}

func (c *Classifier) recordBreaker(err error) {
	_ = c.breaker.Execute(func() error { return err })
}
