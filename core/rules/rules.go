// Package rules implements the user-specific rules engine described in
// spec.md §4.5 (C5): pending-pattern tracking with promotion, and a
// classification lookup over promoted rules.
package rules

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"inboxdigest/core/domain"
	"inboxdigest/pkg/apperr"
)

// Conn is the subset of *database.DB this package needs, kept narrow so
// rules can be exercised against any sqlx-backed store in tests.
type Conn interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
	WithConn(ctx context.Context, fn func(*sqlx.Conn) error) error
}

// Engine is the C5 rules engine: pending_rules/rules CRUD plus the
// classify() lookup consumed by the cascade (C7).
type Engine struct {
	db Conn
}

func New(db Conn) *Engine {
	return &Engine{db: db}
}

// promotionThreshold mirrors spec.md §3/§4.5: seen_count >= 2 promotes a
// pending pattern into an active rule.
const promotionThreshold = 2

// Observe records a single sighting of (patternType, pattern) -> category for
// userID. category = uncategorized is never tracked, per spec.md §4.5 ("Never
// created for category = uncategorized"). Mirrors rules_manager.py's
// add_pending_rule / the seen_count increment path.
func (e *Engine) Observe(ctx context.Context, userID string, patternType domain.PatternType, pattern, category string) error {
	if domain.EmailType(category) == domain.TypeUncategorized {
		return nil
	}

	return e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		var seenCount int
		err := tx.GetContext(ctx, &seenCount, `
			SELECT seen_count FROM pending_rules
			WHERE user_id = ? AND pattern_type = ? AND pattern = ? AND category = ?`,
			userID, patternType, pattern, category)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO pending_rules (user_id, pattern_type, pattern, category, seen_count, last_seen)
				VALUES (?, ?, ?, ?, 1, ?)`,
				userID, patternType, pattern, category, now)
			return err
		case err != nil:
			return err
		}

		seenCount++
		if seenCount < promotionThreshold {
			_, err = tx.ExecContext(ctx, `
				UPDATE pending_rules SET seen_count = ?, last_seen = ?
				WHERE user_id = ? AND pattern_type = ? AND pattern = ? AND category = ?`,
				seenCount, now, userID, patternType, pattern, category)
			return err
		}

		if err := promote(ctx, tx, userID, patternType, pattern, category, domain.RuleConfidenceLearned); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM pending_rules
			WHERE user_id = ? AND pattern_type = ? AND pattern = ? AND category = ?`,
			userID, patternType, pattern, category)
		return err
	})
}

// promote upserts an ActiveRule row at the given confidence, matching the
// "upsert on unique key" behavior spec.md §4.5 describes for rules.
func promote(ctx context.Context, tx *sqlx.Tx, userID string, patternType domain.PatternType, pattern, category string, confidence int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rules (user_id, pattern_type, pattern, category, confidence, use_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(user_id, pattern_type, pattern, category)
		DO UPDATE SET confidence = excluded.confidence`,
		userID, patternType, pattern, category, confidence)
	return err
}

// PromoteCorrection seeds a rule directly at confidence 95, bypassing
// pending_rules entirely (spec.md §4.5: "Corrections bypass pending and
// insert at confidence 95 immediately").
func (e *Engine) PromoteCorrection(ctx context.Context, userID string, patternType domain.PatternType, pattern, category string) error {
	if domain.EmailType(category) == domain.TypeUncategorized {
		return nil
	}
	return e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		return promote(ctx, tx, userID, patternType, pattern, category, domain.RuleConfidenceUserCorrection)
	})
}

// ruleRow mirrors the rules table layout.
type ruleRow struct {
	ID          int64             `db:"id"`
	UserID      string            `db:"user_id"`
	PatternType domain.PatternType `db:"pattern_type"`
	Pattern     string            `db:"pattern"`
	Category    string            `db:"category"`
	Confidence  int               `db:"confidence"`
	UseCount    int64             `db:"use_count"`
}

// Classify implements spec.md §4.5's classify(subject, snippet, from_field,
// user_id): it returns the highest-confidence match among applicable
// patterns, checked in precedence order sender_exact -> subject_contains ->
// keyword (mirroring worker_rule_score_classifier.go's exact-sender ->
// domain -> keyword cascade, collapsed to the three pattern types spec.md
// names for C5).
func (e *Engine) Classify(ctx context.Context, userID, fromAddress, subject, snippet string) (*domain.ActiveRule, error) {
	var rows []ruleRow
	err := e.db.WithConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &rows, `
			SELECT id, user_id, pattern_type, pattern, category, confidence, use_count
			FROM rules WHERE user_id = ?`, userID)
	})
	if err != nil {
		return nil, apperr.TransientErr("rules.classify", err)
	}

	fromLower := strings.ToLower(fromAddress)
	subjectLower := strings.ToLower(subject)
	snippetLower := strings.ToLower(snippet)

	var best *ruleRow
	for _, order := range []domain.PatternType{
		domain.PatternSenderExact, domain.PatternSubjectContains, domain.PatternKeyword,
	} {
		for i := range rows {
			r := &rows[i]
			if r.PatternType != order {
				continue
			}
			if !matches(order, r.Pattern, fromLower, subjectLower, snippetLower) {
				continue
			}
			if best == nil || r.Confidence > best.Confidence {
				best = r
			}
		}
		// First pattern-type tier with any match wins, per the sender_exact ->
		// subject_contains -> keyword precedence in spec.md §4.5.
		if best != nil {
			break
		}
	}
	if best == nil {
		return nil, nil
	}

	return &domain.ActiveRule{
		ID: best.ID, UserID: best.UserID, PatternType: best.PatternType,
		Pattern: best.Pattern, Category: best.Category,
		Confidence: best.Confidence, UseCount: best.UseCount,
	}, nil
}

func matches(patternType domain.PatternType, pattern, fromLower, subjectLower, snippetLower string) bool {
	patternLower := strings.ToLower(pattern)
	switch patternType {
	case domain.PatternSenderExact:
		return fromLower == patternLower || strings.Contains(fromLower, patternLower)
	case domain.PatternSubjectContains:
		return strings.Contains(subjectLower, patternLower)
	case domain.PatternKeyword:
		return strings.Contains(snippetLower, patternLower)
	default:
		return false
	}
}

// IncrementUseCount is invoked by the cascade after a rule hit, mirroring
// UserRuleScoreClassifier's async hit-count bump.
func (e *Engine) IncrementUseCount(ctx context.Context, ruleID int64) error {
	return e.db.WithConn(ctx, func(conn *sqlx.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE rules SET use_count = use_count + 1 WHERE id = ?`, ruleID)
		return err
	})
}
