package cascade

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"inboxdigest/core/domain"
	"inboxdigest/core/llm"
	"inboxdigest/core/rules"
	"inboxdigest/core/typemap"
	"inboxdigest/infra/database"
)

type fakeCompleter struct{ response string }

func (f *fakeCompleter) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.response, nil
}

const llmJSON = `{
  "type": "message",
  "type_conf": 0.9,
  "importance": "routine",
  "importance_conf": 0.7,
  "attention": "none",
  "attention_conf": 0.7,
  "relationship": "from_known_person",
  "relationship_conf": 0.9,
  "reason": "personal note",
  "propose_rule": {"should_propose": false}
}`

func newTestCascade(t *testing.T, ruleset string, llmResponse string) (*Cascade, *database.DB) {
	t.Helper()
	tm, err := typemap.LoadBytes([]byte(ruleset))
	if err != nil {
		t.Fatalf("typemap.LoadBytes: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(database.DefaultSQLiteConfig(path))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	rulesEng := rules.New(db)

	classifier := llm.New(&fakeCompleter{response: llmResponse}, llm.Config{
		ModelName: "test", ModelVersion: "v1", PromptVersion: "p1",
	})

	c := New(tm, rulesEng, classifier, NewGuardrails(), db)
	return c, db
}

const minimalRuleset = `
version: "t"
rules:
  - type: receipt
    confidence: 0.97
    sender_domains:
      - "*@receipts.uber.com"
`

func TestClassify_TypeMapperOverridesTypeNotImportance(t *testing.T) {
	c, _ := newTestCascade(t, minimalRuleset, llmJSON)

	res, err := c.Classify(context.Background(), Input{
		UserID: "u1", MessageID: "m1", FromAddress: "noreply@receipts.uber.com",
		Subject: "Your trip receipt", Snippet: "total charged $12.50",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Classification.Type != domain.TypeReceipt {
		t.Errorf("Type=%q, want receipt (type mapper should override)", res.Classification.Type)
	}
	if res.Classification.Decider != domain.DeciderTypeMapper {
		t.Errorf("Decider=%q, want type_mapper", res.Classification.Decider)
	}
	// Importance/attention still come from the LLM pass per spec.md 4.4.
	if res.Classification.Importance != domain.ImportanceRoutine {
		t.Errorf("Importance=%q, want routine (from LLM pass)", res.Classification.Importance)
	}
	if res.ClientLabel != domain.ClientLabelReceipts {
		t.Errorf("ClientLabel=%q, want receipts", res.ClientLabel)
	}
}

func TestClassify_NoTypeMapperHitUsesLLM(t *testing.T) {
	c, _ := newTestCascade(t, minimalRuleset, llmJSON)

	res, err := c.Classify(context.Background(), Input{
		UserID: "u1", MessageID: "m2", FromAddress: "friend@gmail.com",
		Subject: "hey", Snippet: "want to grab lunch?",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Classification.Decider != domain.DeciderGemini {
		t.Errorf("Decider=%q, want gemini", res.Classification.Decider)
	}
	if res.ClientLabel != domain.ClientLabelMessages {
		t.Errorf("ClientLabel=%q, want messages", res.ClientLabel)
	}
}

func TestClassify_GuardrailNeverCapsOTPImportance(t *testing.T) {
	otpJSON := `{
  "type": "otp",
  "type_conf": 0.95,
  "importance": "critical",
  "importance_conf": 0.9,
  "attention": "none",
  "attention_conf": 0.8,
  "relationship": "from_business",
  "relationship_conf": 0.9,
  "reason": "verification code",
  "propose_rule": {"should_propose": false}
}`
	c, _ := newTestCascade(t, minimalRuleset, otpJSON)

	res, err := c.Classify(context.Background(), Input{
		UserID: "u1", MessageID: "m3", FromAddress: "noreply@accounts.google.com",
		Subject: "Your verification code", Snippet: "123456 is your code",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Classification.Importance == domain.ImportanceCritical {
		t.Error("OTP must never surface as critical after guardrails")
	}
}

func TestClassify_GuardrailForcesCriticalOnFraudKeyword(t *testing.T) {
	c, _ := newTestCascade(t, minimalRuleset, llmJSON)

	res, err := c.Classify(context.Background(), Input{
		UserID: "u1", MessageID: "m4", FromAddress: "security@bank.com",
		Subject: "Suspicious sign-in detected", Snippet: "We blocked a potential fraud attempt on your account",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Classification.Importance != domain.ImportanceCritical {
		t.Errorf("Importance=%q, want critical (fraud keyword)", res.Classification.Importance)
	}
}

func TestClassify_WritesConfidenceLog(t *testing.T) {
	c, db := newTestCascade(t, minimalRuleset, llmJSON)

	_, err := c.Classify(context.Background(), Input{
		UserID: "u1", MessageID: "m5", FromAddress: "friend@gmail.com",
		Subject: "hey", Snippet: "lunch?",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	var count int
	err = db.WithConn(context.Background(), func(conn *sqlx.Conn) error {
		return conn.GetContext(context.Background(), &count,
			`SELECT COUNT(*) FROM confidence_logs WHERE message_id = ?`, "m5")
	})
	if err != nil {
		t.Fatalf("query confidence_logs: %v", err)
	}
	if count != 1 {
		t.Errorf("confidence_logs rows for m5 = %d, want 1", count)
	}
}

func TestClassify_LearningEventNotSubmittedOnTypeMapperHit(t *testing.T) {
	c, db := newTestCascade(t, minimalRuleset, llmJSON)

	_, err := c.Classify(context.Background(), Input{
		UserID: "u1", MessageID: "m6", FromAddress: "noreply@receipts.uber.com",
		Subject: "Your trip receipt", Snippet: "total charged $9.00",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	var count int
	err = db.WithConn(context.Background(), func(conn *sqlx.Conn) error {
		return conn.GetContext(context.Background(), &count, `SELECT COUNT(*) FROM pending_rules`)
	})
	if err != nil {
		t.Fatalf("query pending_rules: %v", err)
	}
	if count != 0 {
		t.Errorf("pending_rules rows = %d, want 0 (type-mapper hits never learn)", count)
	}
}

func TestClassify_LearningEventSubmittedOnHighConfidenceLLMDecision(t *testing.T) {
	c, db := newTestCascade(t, minimalRuleset, llmJSON)

	_, err := c.Classify(context.Background(), Input{
		UserID: "u1", MessageID: "m7", FromAddress: "friend@gmail.com",
		Subject: "hey", Snippet: "lunch?",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}

	var count int
	err = db.WithConn(context.Background(), func(conn *sqlx.Conn) error {
		return conn.GetContext(context.Background(), &count, `SELECT COUNT(*) FROM pending_rules`)
	})
	if err != nil {
		t.Fatalf("query pending_rules: %v", err)
	}
	if count != 1 {
		t.Errorf("pending_rules rows = %d, want 1 (type_conf 0.9 >= learning threshold)", count)
	}
}
