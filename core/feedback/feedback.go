// Package feedback implements the feedback manager (spec.md §4.8, C8):
// append-only corrections, learned_patterns upsert, and few-shot example
// curation for C6.
package feedback

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"inboxdigest/core/domain"
	"inboxdigest/core/llm"
)

// Conn is the narrow storage surface the feedback manager needs, matching
// core/rules's Conn so both can be wired against the same *database.DB.
type Conn interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
	WithConn(ctx context.Context, fn func(*sqlx.Conn) error) error
}

// RuleSeeder is the C5 surface used to seed a user rule directly at
// confidence 95 when a correction names a real type (spec.md §4.8 closing
// line).
type RuleSeeder interface {
	PromoteCorrection(ctx context.Context, userID string, patternType domain.PatternType, pattern, category string) error
}

// Manager is the C8 feedback manager.
type Manager struct {
	db    Conn
	rules RuleSeeder
}

func New(db Conn, ruleSeeder RuleSeeder) *Manager {
	return &Manager{db: db, rules: ruleSeeder}
}

// RecordCorrection writes an append-only corrections row, upserts
// learned_patterns (support_count++, last_seen=now), and seeds a C5 user
// rule when actual != uncategorized. Uncategorized corrections are recorded
// but never learned as a rule or pattern (spec.md §4.8).
func (m *Manager) RecordCorrection(ctx context.Context, c domain.Correction, classificationJSON string) error {
	c.CorrectedAt = time.Now().UTC()

	err := m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO corrections (
				user_id, message_id, predicted_type, actual_type,
				from_address, subject, snippet, corrected_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.UserID, c.MessageID, c.PredictedType, c.ActualType,
			c.FromAddress, c.Subject, c.Snippet, c.CorrectedAt,
		)
		if err != nil {
			return err
		}

		if c.ActualType == domain.TypeUncategorized {
			return nil
		}

		return upsertLearnedPattern(ctx, tx, domain.PatternSenderExact, c.FromAddress, classificationJSON, c.CorrectedAt)
	})
	if err != nil {
		return err
	}

	if c.ActualType == domain.TypeUncategorized || m.rules == nil {
		return nil
	}
	return m.rules.PromoteCorrection(ctx, c.UserID, domain.PatternSenderExact, c.FromAddress, string(c.ActualType))
}

func upsertLearnedPattern(ctx context.Context, tx *sqlx.Tx, patternType domain.PatternType, patternValue, classificationJSON string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO learned_patterns (pattern_type, pattern_value, classification_json, support_count, confidence, first_seen, last_seen)
		VALUES (?, ?, ?, 1, 0, ?, ?)
		ON CONFLICT(pattern_type, pattern_value)
		DO UPDATE SET
			classification_json = excluded.classification_json,
			support_count = support_count + 1,
			last_seen = excluded.last_seen`,
		patternType, patternValue, classificationJSON, now, now,
	)
	return err
}

type learnedPatternRow struct {
	PatternType        domain.PatternType `db:"pattern_type"`
	PatternValue       string             `db:"pattern_value"`
	ClassificationJSON string             `db:"classification_json"`
	SupportCount       int                `db:"support_count"`
	Confidence         float64            `db:"confidence"`
	FirstSeen          time.Time          `db:"first_seen"`
	LastSeen           time.Time          `db:"last_seen"`
}

func (r learnedPatternRow) toDomain() domain.LearnedPattern {
	return domain.LearnedPattern{
		PatternType:        r.PatternType,
		PatternValue:       r.PatternValue,
		ClassificationJSON: r.ClassificationJSON,
		SupportCount:       r.SupportCount,
		Confidence:         r.Confidence,
		FirstSeen:          r.FirstSeen,
		LastSeen:           r.LastSeen,
	}
}

// GetHighConfidencePatterns returns learned patterns with support_count >=
// minSupport, for promotion gating (spec.md §4.8). Defaults to
// domain.MinSupportForFewShot (3) when minSupport <= 0.
func (m *Manager) GetHighConfidencePatterns(ctx context.Context, minSupport int) ([]domain.LearnedPattern, error) {
	if minSupport <= 0 {
		minSupport = domain.MinSupportForFewShot
	}
	var rows []learnedPatternRow
	err := m.db.WithConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &rows, `
			SELECT pattern_type, pattern_value, classification_json, support_count, confidence, first_seen, last_seen
			FROM learned_patterns WHERE support_count >= ?
			ORDER BY support_count DESC, last_seen DESC`, minSupport)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.LearnedPattern, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// GetFewshotExamples returns up to limit diverse, support-weighted examples
// for C6's prompt (spec.md §4.6, §4.8): highest support first, one example
// per distinct pattern_value to keep the set diverse rather than dominated
// by a single repeated sender.
func (m *Manager) GetFewshotExamples(ctx context.Context, limit int) ([]llm.FewShotExample, error) {
	patterns, err := m.GetHighConfidencePatterns(ctx, domain.MinSupportForFewShot)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, limit)
	examples := make([]llm.FewShotExample, 0, limit)
	for _, p := range patterns {
		if len(examples) >= limit {
			break
		}
		if seen[p.PatternValue] {
			continue
		}
		seen[p.PatternValue] = true
		examples = append(examples, llm.FewShotExample{
			From:               p.PatternValue,
			ClassificationJSON: p.ClassificationJSON,
		})
	}
	return examples, nil
}

type correctionRow struct {
	ID            int64          `db:"id"`
	UserID        string         `db:"user_id"`
	MessageID     string         `db:"message_id"`
	PredictedType string         `db:"predicted_type"`
	ActualType    string         `db:"actual_type"`
	FromAddress   sql.NullString `db:"from_address"`
	Subject       sql.NullString `db:"subject"`
	Snippet       sql.NullString `db:"snippet"`
	CorrectedAt   time.Time      `db:"corrected_at"`
}

func (r correctionRow) toDomain() domain.Correction {
	return domain.Correction{
		ID:            r.ID,
		UserID:        r.UserID,
		MessageID:     r.MessageID,
		PredictedType: domain.EmailType(r.PredictedType),
		ActualType:    domain.EmailType(r.ActualType),
		FromAddress:   r.FromAddress.String,
		Subject:       r.Subject.String,
		Snippet:       r.Snippet.String,
		CorrectedAt:   r.CorrectedAt,
	}
}

// GetRecentCorrections returns the most recent corrections for a user, newest
// first.
func (m *Manager) GetRecentCorrections(ctx context.Context, userID string, limit int) ([]domain.Correction, error) {
	var rows []correctionRow
	err := m.db.WithConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &rows, `
			SELECT id, user_id, message_id, predicted_type, actual_type, from_address, subject, snippet, corrected_at
			FROM corrections WHERE user_id = ? ORDER BY corrected_at DESC LIMIT ?`, userID, limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Correction, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// CorrectedSender is one entry in GetTopCorrectedSenders's result: a sender
// address ranked by how often it gets corrected.
type CorrectedSender struct {
	FromAddress     string `db:"from_address"`
	CorrectionCount int    `db:"correction_count"`
}

// GetTopCorrectedSenders ranks senders by how often their emails are
// corrected, for surfacing rule-authoring candidates.
func (m *Manager) GetTopCorrectedSenders(ctx context.Context, userID string, limit int) ([]CorrectedSender, error) {
	var rows []CorrectedSender
	err := m.db.WithConn(ctx, func(conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, &rows, `
			SELECT from_address, COUNT(*) AS correction_count
			FROM corrections
			WHERE user_id = ? AND from_address IS NOT NULL AND from_address != ''
			GROUP BY from_address
			ORDER BY correction_count DESC, from_address ASC
			LIMIT ?`, userID, limit)
	})
	return rows, err
}

// CorrectionStats summarizes a user's correction history.
type CorrectionStats struct {
	TotalCorrections   int     `db:"total_corrections"`
	UncategorizedCount int     `db:"uncategorized_count"`
	DistinctSenders    int     `db:"distinct_senders"`
	AgreementRate      float64 `db:"-"`
}

// GetCorrectionStats summarizes correction volume for a user. AgreementRate
// is not computed and is always 0: this package has no count of emails
// seen to measure the uncorrected share against.
func (m *Manager) GetCorrectionStats(ctx context.Context, userID string) (CorrectionStats, error) {
	var stats CorrectionStats
	err := m.db.WithConn(ctx, func(conn *sqlx.Conn) error {
		if err := conn.GetContext(ctx, &stats.TotalCorrections,
			`SELECT COUNT(*) FROM corrections WHERE user_id = ?`, userID); err != nil {
			return err
		}
		if err := conn.GetContext(ctx, &stats.UncategorizedCount,
			`SELECT COUNT(*) FROM corrections WHERE user_id = ? AND actual_type = ?`,
			userID, domain.TypeUncategorized); err != nil {
			return err
		}
		return conn.GetContext(ctx, &stats.DistinctSenders,
			`SELECT COUNT(DISTINCT from_address) FROM corrections WHERE user_id = ? AND from_address IS NOT NULL AND from_address != ''`,
			userID)
	})
	return stats, err
}
