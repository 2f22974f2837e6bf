package feedback

import (
	"context"
	"path/filepath"
	"testing"

	"inboxdigest/core/domain"
	"inboxdigest/core/rules"
	"inboxdigest/infra/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(database.DefaultSQLiteConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return db
}

func TestRecordCorrection_UncategorizedNeverLearnsAPattern(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db, rules.New(db))

	err := m.RecordCorrection(ctx, domain.Correction{
		UserID: "u1", MessageID: "m1", PredictedType: domain.TypeMessage,
		ActualType: domain.TypeUncategorized, FromAddress: "mystery@nowhere.com",
	}, `{}`)
	if err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}

	corrections, err := m.GetRecentCorrections(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("GetRecentCorrections: %v", err)
	}
	if len(corrections) != 1 {
		t.Fatalf("expected the correction itself to still be recorded, got %d rows", len(corrections))
	}

	patterns, err := m.GetHighConfidencePatterns(ctx, 1)
	if err != nil {
		t.Fatalf("GetHighConfidencePatterns: %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("uncategorized corrections must never learn a pattern, got %d", len(patterns))
	}
}

func TestRecordCorrection_SeedsRuleAndLearnedPattern(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rulesEng := rules.New(db)
	m := New(db, rulesEng)

	err := m.RecordCorrection(ctx, domain.Correction{
		UserID: "u1", MessageID: "m1", PredictedType: domain.TypeMessage,
		ActualType: domain.TypeReceipt, FromAddress: "billing@acme.com",
	}, `{"type":"receipt"}`)
	if err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}

	rule, err := rulesEng.Classify(ctx, "u1", "billing@acme.com", "subject", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if rule == nil {
		t.Fatal("expected the correction to seed a C5 rule")
	}
	if rule.Confidence != domain.RuleConfidenceUserCorrection {
		t.Errorf("Confidence=%d, want %d", rule.Confidence, domain.RuleConfidenceUserCorrection)
	}

	patterns, err := m.GetHighConfidencePatterns(ctx, 1)
	if err != nil {
		t.Fatalf("GetHighConfidencePatterns: %v", err)
	}
	if len(patterns) != 1 || patterns[0].SupportCount != 1 {
		t.Fatalf("expected one learned pattern with support 1, got %+v", patterns)
	}
}

func TestRecordCorrection_SupportCountIncrementsOnRepeat(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db, rules.New(db))

	for i := 0; i < 3; i++ {
		err := m.RecordCorrection(ctx, domain.Correction{
			UserID: "u1", MessageID: "m1", PredictedType: domain.TypeMessage,
			ActualType: domain.TypeReceipt, FromAddress: "billing@acme.com",
		}, `{"type":"receipt"}`)
		if err != nil {
			t.Fatalf("RecordCorrection %d: %v", i, err)
		}
	}

	patterns, err := m.GetHighConfidencePatterns(ctx, 1)
	if err != nil {
		t.Fatalf("GetHighConfidencePatterns: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("expected a single upserted pattern row, got %d", len(patterns))
	}
	if patterns[0].SupportCount != 3 {
		t.Errorf("SupportCount=%d, want 3", patterns[0].SupportCount)
	}
}

func TestGetHighConfidencePatterns_FiltersByMinSupport(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db, rules.New(db))

	for i := 0; i < 2; i++ {
		_ = m.RecordCorrection(ctx, domain.Correction{
			UserID: "u1", MessageID: "m1", PredictedType: domain.TypeMessage,
			ActualType: domain.TypeReceipt, FromAddress: "rare@acme.com",
		}, `{}`)
	}
	for i := 0; i < 4; i++ {
		_ = m.RecordCorrection(ctx, domain.Correction{
			UserID: "u1", MessageID: "m2", PredictedType: domain.TypeMessage,
			ActualType: domain.TypePromotion, FromAddress: "frequent@acme.com",
		}, `{}`)
	}

	patterns, err := m.GetHighConfidencePatterns(ctx, 3)
	if err != nil {
		t.Fatalf("GetHighConfidencePatterns: %v", err)
	}
	if len(patterns) != 1 || patterns[0].PatternValue != "frequent@acme.com" {
		t.Fatalf("expected only the 4-support pattern, got %+v", patterns)
	}
}

func TestGetFewshotExamples_DedupesByPatternValue(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db, rules.New(db))

	for i := 0; i < 5; i++ {
		_ = m.RecordCorrection(ctx, domain.Correction{
			UserID: "u1", MessageID: "m1", PredictedType: domain.TypeMessage,
			ActualType: domain.TypeReceipt, FromAddress: "billing@acme.com",
		}, `{"type":"receipt"}`)
	}

	examples, err := m.GetFewshotExamples(ctx, 10)
	if err != nil {
		t.Fatalf("GetFewshotExamples: %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("expected one deduped example, got %d", len(examples))
	}
}

func TestGetTopCorrectedSenders_RanksByCount(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db, rules.New(db))

	_ = m.RecordCorrection(ctx, domain.Correction{
		UserID: "u1", MessageID: "m1", ActualType: domain.TypePromotion, FromAddress: "noisy@acme.com",
	}, `{}`)
	_ = m.RecordCorrection(ctx, domain.Correction{
		UserID: "u1", MessageID: "m2", ActualType: domain.TypePromotion, FromAddress: "noisy@acme.com",
	}, `{}`)
	_ = m.RecordCorrection(ctx, domain.Correction{
		UserID: "u1", MessageID: "m3", ActualType: domain.TypeMessage, FromAddress: "quiet@acme.com",
	}, `{}`)

	senders, err := m.GetTopCorrectedSenders(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("GetTopCorrectedSenders: %v", err)
	}
	if len(senders) == 0 || senders[0].FromAddress != "noisy@acme.com" || senders[0].CorrectionCount != 2 {
		t.Fatalf("expected noisy@acme.com first with count 2, got %+v", senders)
	}
}

func TestGetCorrectionStats(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	m := New(db, rules.New(db))

	_ = m.RecordCorrection(ctx, domain.Correction{
		UserID: "u1", MessageID: "m1", ActualType: domain.TypeReceipt, FromAddress: "a@acme.com",
	}, `{}`)
	_ = m.RecordCorrection(ctx, domain.Correction{
		UserID: "u1", MessageID: "m2", ActualType: domain.TypeUncategorized, FromAddress: "b@acme.com",
	}, `{}`)

	stats, err := m.GetCorrectionStats(ctx, "u1")
	if err != nil {
		t.Fatalf("GetCorrectionStats: %v", err)
	}
	if stats.TotalCorrections != 2 {
		t.Errorf("TotalCorrections=%d, want 2", stats.TotalCorrections)
	}
	if stats.UncategorizedCount != 1 {
		t.Errorf("UncategorizedCount=%d, want 1", stats.UncategorizedCount)
	}
	if stats.DistinctSenders != 2 {
		t.Errorf("DistinctSenders=%d, want 2", stats.DistinctSenders)
	}
}
