// Package cascade implements the classification cascade (spec.md §4.7, C7):
// type mapper -> rules engine -> LLM, client-label computation, confidence
// logging, and learning-event submission to C5.
package cascade

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"inboxdigest/core/domain"
	"inboxdigest/core/llm"
	"inboxdigest/core/rules"
	"inboxdigest/core/typemap"
)

// LearningMinConfidence is the LEARNING_MIN_CONFIDENCE threshold from
// spec.md §4.7: an LLM decision below this type_conf never seeds a learning
// event, regardless of decider.
const LearningMinConfidence = 0.80

// LogStore is the narrow confidence_logs write surface the cascade needs.
type LogStore interface {
	WithConn(ctx context.Context, fn func(*sqlx.Conn) error) error
}

// Cascade wires together C4, C5, C6, the guardrail layer, and confidence
// logging/learning-event emission.
type Cascade struct {
	typeMapper *typemap.TypeMapper
	rulesEng   *rules.Engine
	llmClass   *llm.Classifier
	guard      *Guardrails
	log        LogStore
}

func New(tm *typemap.TypeMapper, r *rules.Engine, l *llm.Classifier, g *Guardrails, log LogStore) *Cascade {
	return &Cascade{typeMapper: tm, rulesEng: r, llmClass: l, guard: g, log: log}
}

// Input is everything the cascade needs to classify one parsed email.
type Input struct {
	UserID           string
	MessageID        string
	FromAddress      string
	Subject          string
	Snippet          string
	HasICSAttachment bool
	AttachmentNames  []string
	RawHeaders       map[string][]string
	LearnedExamples  []llm.FewShotExample
}

// Result is the cascade's output: the final classification plus the client
// label it was mapped to.
type Result struct {
	Classification domain.Classification
	ClientLabel    domain.ClientLabel
}

// Classify runs the order the spec requires: type mapper -> rules engine ->
// LLM. A type-mapper or rule hit short-circuits the type axis, but the LLM
// still runs to supply importance/attention/relationship (spec.md §4.4:
// "Type mapper decisions overwrite any LLM-produced type but do not override
// ... those still come from the LLM pass").
func (c *Cascade) Classify(ctx context.Context, in Input) (Result, error) {
	cls := c.llmClass.Classify(ctx, in.MessageID, in.FromAddress, in.Subject, in.Snippet, in.LearnedExamples)

	if match, ok := c.typeMapper.GetDeterministicType(typemap.Input{
		SenderEmail:      in.FromAddress,
		Subject:          in.Subject,
		Snippet:          in.Snippet,
		AttachmentNames:  in.AttachmentNames,
		HasICSAttachment: in.HasICSAttachment,
		RawHeaders:       in.RawHeaders,
	}); ok {
		cls.Type = match.Type
		cls.TypeConf = match.Confidence
		cls.Decider = domain.DeciderTypeMapper
		cls.Reason = "type_mapper:" + match.MatchedRule
		cls.ProposeRule = domain.ProposeRule{ShouldPropose: false}
	} else if rule, err := c.rulesEng.Classify(ctx, in.UserID, in.FromAddress, in.Subject, in.Snippet); err == nil && rule != nil {
		cls.Type = domain.EmailType(rule.Category)
		cls.TypeConf = float64(rule.Confidence) / 100.0
		cls.Decider = domain.DeciderRule
		cls.ProposeRule = domain.ProposeRule{ShouldPropose: false}
		_ = c.rulesEng.IncrementUseCount(ctx, rule.ID)
	}

	if c.guard != nil {
		cls = c.guard.Apply(in.Subject, in.Snippet, cls)
	}

	label := domain.ComputeClientLabel(cls.Type, cls.Attention)

	if err := c.writeConfidenceLog(ctx, cls); err != nil {
		return Result{}, err
	}

	if cls.Decider == domain.DeciderGemini && cls.TypeConf >= LearningMinConfidence {
		patternType := domain.PatternSenderExact
		if cls.ProposeRule.ShouldPropose && cls.ProposeRule.PatternType != "" {
			patternType = domain.PatternType(cls.ProposeRule.PatternType)
		}
		pattern := in.FromAddress
		if cls.ProposeRule.ShouldPropose && cls.ProposeRule.Pattern != "" {
			pattern = cls.ProposeRule.Pattern
		}
		_ = c.rulesEng.Observe(ctx, in.UserID, patternType, pattern, string(cls.Type))
	}

	return Result{Classification: cls, ClientLabel: label}, nil
}

func (c *Cascade) writeConfidenceLog(ctx context.Context, cls domain.Classification) error {
	return c.log.WithConn(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO confidence_logs (
				message_id, type, type_conf, importance, importance_conf,
				attention, attention_conf, relationship, relationship_conf,
				decider, model_name, model_version, prompt_version, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cls.MessageID, cls.Type, cls.TypeConf, cls.Importance, cls.ImportanceConf,
			cls.Attention, cls.AttentionConf, cls.Relationship, cls.RelationshipConf,
			cls.Decider, cls.ModelName, cls.ModelVersion, cls.PromptVersion, time.Now().UTC(),
		)
		return err
	})
}
