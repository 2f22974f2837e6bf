package rules

import (
	"context"
	"path/filepath"
	"testing"

	"inboxdigest/core/domain"
	"inboxdigest/infra/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	cfg := database.DefaultSQLiteConfig(path)
	db, err := database.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return db
}

func TestObserve_PromotesAfterTwoSightings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := New(db)

	if err := e.Observe(ctx, "u1", domain.PatternSenderExact, "billing@acme.com", "receipt"); err != nil {
		t.Fatalf("Observe 1: %v", err)
	}

	rule, err := e.Classify(ctx, "u1", "billing@acme.com", "Your invoice", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if rule != nil {
		t.Fatalf("expected no promoted rule after a single sighting, got %+v", rule)
	}

	if err := e.Observe(ctx, "u1", domain.PatternSenderExact, "billing@acme.com", "receipt"); err != nil {
		t.Fatalf("Observe 2: %v", err)
	}

	rule, err = e.Classify(ctx, "u1", "billing@acme.com", "Your invoice", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if rule == nil {
		t.Fatal("expected a promoted rule after two sightings")
	}
	if rule.Confidence != domain.RuleConfidenceLearned {
		t.Errorf("Confidence=%d, want %d", rule.Confidence, domain.RuleConfidenceLearned)
	}
}

func TestObserve_NeverTracksUncategorized(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := New(db)

	for i := 0; i < 5; i++ {
		if err := e.Observe(ctx, "u1", domain.PatternKeyword, "mystery", "uncategorized"); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	rule, err := e.Classify(ctx, "u1", "x@y.com", "subject", "mystery")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if rule != nil {
		t.Fatalf("uncategorized patterns must never promote, got %+v", rule)
	}
}

func TestPromoteCorrection_BypassesPendingAtHigherConfidence(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := New(db)

	if err := e.PromoteCorrection(ctx, "u1", domain.PatternSubjectContains, "quarterly report", "message"); err != nil {
		t.Fatalf("PromoteCorrection: %v", err)
	}

	rule, err := e.Classify(ctx, "u1", "someone@co.com", "Q3 quarterly report attached", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if rule == nil {
		t.Fatal("expected a rule seeded directly by correction")
	}
	if rule.Confidence != domain.RuleConfidenceUserCorrection {
		t.Errorf("Confidence=%d, want %d", rule.Confidence, domain.RuleConfidenceUserCorrection)
	}
}

func TestClassify_PrecedenceSenderBeforeSubjectBeforeKeyword(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := New(db)

	if err := e.PromoteCorrection(ctx, "u1", domain.PatternKeyword, "invoice", "newsletter"); err != nil {
		t.Fatalf("PromoteCorrection keyword: %v", err)
	}
	if err := e.PromoteCorrection(ctx, "u1", domain.PatternSenderExact, "billing@acme.com", "receipt"); err != nil {
		t.Fatalf("PromoteCorrection sender: %v", err)
	}

	rule, err := e.Classify(ctx, "u1", "billing@acme.com", "subject has invoice in it", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if rule == nil || rule.Category != "receipt" {
		t.Fatalf("expected sender_exact to win over keyword, got %+v", rule)
	}
}

func TestClassify_NoRulesReturnsNil(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := New(db)

	rule, err := e.Classify(ctx, "u1", "nobody@nowhere.com", "hi", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if rule != nil {
		t.Fatalf("expected nil, got %+v", rule)
	}
}
