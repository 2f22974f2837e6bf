package domain

import "fmt"

// EmailType is the closed type-axis enum.
type EmailType string

const (
	TypeOTP           EmailType = "otp"
	TypeNotification  EmailType = "notification"
	TypeReceipt       EmailType = "receipt"
	TypeEvent         EmailType = "event"
	TypePromotion     EmailType = "promotion"
	TypeNewsletter    EmailType = "newsletter"
	TypeMessage       EmailType = "message"
	TypeUncategorized EmailType = "uncategorized"
)

var validEmailTypes = map[EmailType]bool{
	TypeOTP: true, TypeNotification: true, TypeReceipt: true, TypeEvent: true,
	TypePromotion: true, TypeNewsletter: true, TypeMessage: true, TypeUncategorized: true,
}

// Importance is the closed importance-axis enum (stored, pre-decay).
type Importance string

const (
	ImportanceCritical      Importance = "critical"
	ImportanceTimeSensitive Importance = "time_sensitive"
	ImportanceRoutine       Importance = "routine"
)

var validImportance = map[Importance]bool{
	ImportanceCritical: true, ImportanceTimeSensitive: true, ImportanceRoutine: true,
}

// Attention is the closed attention-axis enum.
type Attention string

const (
	AttentionNone           Attention = "none"
	AttentionActionRequired Attention = "action_required"
)

var validAttention = map[Attention]bool{AttentionNone: true, AttentionActionRequired: true}

// Relationship is the closed relationship-axis enum.
type Relationship string

const (
	RelationshipKnownPerson Relationship = "from_known_person"
	RelationshipBusiness    Relationship = "from_business"
	RelationshipUnknown     Relationship = "from_unknown"
)

var validRelationship = map[Relationship]bool{
	RelationshipKnownPerson: true, RelationshipBusiness: true, RelationshipUnknown: true,
}

// Decider names the component that produced a Classification.
type Decider string

const (
	DeciderTypeMapper     Decider = "type_mapper"
	DeciderRule           Decider = "rule"
	DeciderGemini         Decider = "gemini"
	DeciderGeminiFallback Decider = "gemini_fallback"
	DeciderFallback       Decider = "fallback"
)

var validDecider = map[Decider]bool{
	DeciderTypeMapper: true, DeciderRule: true, DeciderGemini: true,
	DeciderGeminiFallback: true, DeciderFallback: true,
}

// ProposeRule carries the cascade's recommendation to the learning loop (C5/C8).
type ProposeRule struct {
	ShouldPropose bool   `json:"should_propose"`
	PatternType   string `json:"pattern_type,omitempty"`
	Pattern       string `json:"pattern,omitempty"`
	Category      string `json:"category,omitempty"`
}

// Classification is the single-point decision record described in spec.md §3/§4.3.
// Every classifier in the cascade (type mapper, rules engine, LLM) emits this
// same shape; Validate enforces the closed enums and mandatory version metadata.
type Classification struct {
	MessageID string `json:"message_id"`

	Type     EmailType `json:"type"`
	TypeConf float64   `json:"type_conf"`

	Importance     Importance `json:"importance"`
	ImportanceConf float64    `json:"importance_conf"`

	Attention     Attention `json:"attention"`
	AttentionConf float64   `json:"attention_conf"`

	Relationship     Relationship `json:"relationship"`
	RelationshipConf float64      `json:"relationship_conf"`

	Decider Decider `json:"decider"`
	Reason  string  `json:"reason,omitempty"`

	ProposeRule ProposeRule `json:"propose_rule"`

	// Version metadata - mandatory on every write (spec.md §4.3, §8).
	ModelName              string `json:"model_name"`
	ModelVersion           string `json:"model_version"`
	PromptVersion          string `json:"prompt_version"`
	NormalizedInputDigest  string `json:"normalized_input_digest,omitempty"`
}

// ClientLabel is one of the four mail-folder-style buckets shown to the user.
type ClientLabel string

const (
	ClientLabelReceipts        ClientLabel = "receipts"
	ClientLabelMessages        ClientLabel = "messages"
	ClientLabelActionRequired  ClientLabel = "action-required"
	ClientLabelEverythingElse  ClientLabel = "everything-else"
)

// ComputeClientLabel implements the closed function in spec.md §4.7:
// receipt->receipts; message->messages; otp->everything-else;
// attention=action_required->action-required; else->everything-else.
func ComputeClientLabel(t EmailType, a Attention) ClientLabel {
	switch {
	case t == TypeReceipt:
		return ClientLabelReceipts
	case t == TypeMessage:
		return ClientLabelMessages
	case t == TypeOTP:
		return ClientLabelEverythingElse
	case a == AttentionActionRequired:
		return ClientLabelActionRequired
	default:
		return ClientLabelEverythingElse
	}
}

func inRange01(f float64) bool { return f >= 0 && f <= 1 }

// Validate rejects unknown enum values, out-of-range confidences, and missing
// version metadata, per spec.md §4.3 and the invariant in §8.
func (c Classification) Validate() error {
	if c.MessageID == "" {
		return fmt.Errorf("classification: message_id is required")
	}
	if !validEmailTypes[c.Type] {
		return fmt.Errorf("classification: unknown type %q", c.Type)
	}
	if !validImportance[c.Importance] {
		return fmt.Errorf("classification: unknown importance %q", c.Importance)
	}
	if !validAttention[c.Attention] {
		return fmt.Errorf("classification: unknown attention %q", c.Attention)
	}
	if !validRelationship[c.Relationship] {
		return fmt.Errorf("classification: unknown relationship %q", c.Relationship)
	}
	if !validDecider[c.Decider] {
		return fmt.Errorf("classification: unknown decider %q", c.Decider)
	}
	for name, v := range map[string]float64{
		"type_conf": c.TypeConf, "importance_conf": c.ImportanceConf,
		"attention_conf": c.AttentionConf, "relationship_conf": c.RelationshipConf,
	} {
		if !inRange01(v) {
			return fmt.Errorf("classification: %s=%v out of range [0,1]", name, v)
		}
	}
	if c.ModelName == "" || c.ModelVersion == "" || c.PromptVersion == "" {
		return fmt.Errorf("classification: model_name/model_version/prompt_version are required")
	}
	return nil
}

// SafeFallback returns the classifier's fallback decision per spec.md §4.6.
func SafeFallback(messageID, modelName, modelVersion, promptVersion, reason string) Classification {
	return Classification{
		MessageID:      messageID,
		Type:           TypeUncategorized,
		TypeConf:       0.2,
		Importance:     ImportanceRoutine,
		ImportanceConf: 0.2,
		Attention:      AttentionNone,
		AttentionConf:  0.2,
		Relationship:   RelationshipUnknown,
		RelationshipConf: 0.2,
		Decider:        DeciderGeminiFallback,
		Reason:         reason,
		ProposeRule:    ProposeRule{ShouldPropose: false},
		ModelName:      modelName,
		ModelVersion:   modelVersion,
		PromptVersion:  promptVersion,
	}
}
