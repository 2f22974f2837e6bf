// Package pipeline implements the pipeline coordinator (spec.md §4.12, C12):
// fetch -> parse -> dedup -> classify -> extract -> decay -> synthesize ->
// render -> checkpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"inboxdigest/core/cascade"
	"inboxdigest/core/domain"
	"inboxdigest/core/entity"
	"inboxdigest/core/feedback"
	"inboxdigest/core/llm"
	"inboxdigest/core/temporal"
	"inboxdigest/core/timeline"
	"inboxdigest/pkg/resilience"
)

// ErrNoNewEmails is raised when the dedup stage leaves nothing to process
// (spec.md §4.12: "empty dedup set raises 'no new emails to process'").
var ErrNoNewEmails = errors.New("no new emails to process")

// MailProvider is the narrow inbound port the pipeline's fetch stage needs.
type MailProvider interface {
	ListIDs(ctx context.Context, userID string) ([]string, error)
	GetMessage(ctx context.Context, userID, id string) (domain.RawMessage, error)
}

// Checkpointer persists the per-run digest_sessions summary row.
type Checkpointer interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}

// Config carries the user, concurrency settings and batch clock for one
// pipeline run.
type Config struct {
	UserID      string
	Parallel    bool
	WorkerCount int // default 4, per spec.md §4.12/§5
	Now         time.Time
}

// Coordinator runs the end-to-end digest generation sequence.
type Coordinator struct {
	mail     MailProvider
	idem     resilience.IdempotencySet
	check    Checkpointer
	cascade  *cascade.Cascade
	extract  *entity.Extractor
	feedback *feedback.Manager
	log      zerolog.Logger
}

func New(mail MailProvider, idem resilience.IdempotencySet, check Checkpointer, c *cascade.Cascade, x *entity.Extractor, fb *feedback.Manager, log zerolog.Logger) *Coordinator {
	return &Coordinator{mail: mail, idem: idem, check: check, cascade: c, extract: x, feedback: fb, log: log}
}

// stageResult is what each classify/extract worker produces per email, kept
// in input order so parallel stages can be re-sorted deterministically
// (spec.md §5: "parallel workers with a single-threaded assembly step").
type stageResult struct {
	index          int
	email          domain.ParsedEmail
	classification domain.Classification
	entity         domain.Entity
	hasEntity      bool
	err            error
}

// Digest is the coordinator's final output.
type Digest struct {
	Timeline timeline.Timeline
	Text     string
	HTML     string
}

// Run executes fetch -> strict-parse -> dedup -> classify -> extract ->
// decay -> synthesize -> render -> checkpoint. No per-stage latency sample
// or counter is emitted. Cancellation is best-effort: ctx is checked between
// fetched messages and before each sequential classify iteration, and is
// passed on to the mail, LLM and DB calls.
func (co *Coordinator) Run(ctx context.Context, cfg Config) (Digest, error) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	now := cfg.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	raws, err := co.fetch(ctx, cfg.UserID)
	if err != nil {
		return Digest{}, fmt.Errorf("fetch: %w", err)
	}

	parsed := co.parseAll(raws)

	// spec.md §4.2: the batch-local idempotency set resets at the start of
	// every batch (a no-op when co.idem is a DurableSet).
	co.idem.Reset()

	fresh, err := co.dedupe(ctx, parsed)
	if err != nil {
		return Digest{}, fmt.Errorf("dedup: %w", err)
	}
	if len(fresh) == 0 {
		return Digest{}, ErrNoNewEmails
	}

	results, err := co.classifyAndExtract(ctx, cfg, fresh)
	if err != nil {
		return Digest{}, fmt.Errorf("classify: %w", err)
	}

	classified := make([]timeline.ClassifiedEmail, 0, len(results))
	var entities []domain.Entity
	for _, r := range results {
		classified = append(classified, timeline.ClassifiedEmail{Email: r.email, Classification: r.classification})
		if r.hasEntity {
			entities = append(entities, r.entity)
		}
	}

	temporal.ResolveAll(entities, now)

	tl := timeline.Build(classified, entities, now)
	text := timeline.RenderText(tl, now)
	html := timeline.RenderHTML(tl, now)

	if err := co.checkpoint(ctx, cfg.UserID, now, tl); err != nil {
		return Digest{}, fmt.Errorf("checkpoint: %w", err)
	}

	return Digest{Timeline: tl, Text: text, HTML: html}, nil
}

// fetch lists then fetches every message for the user (spec.md §6: mail
// provider adapter list_ids()/get_message(id)).
func (co *Coordinator) fetch(ctx context.Context, userID string) ([]domain.RawMessage, error) {
	ids, err := co.mail.ListIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	raws := make([]domain.RawMessage, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := co.mail.GetMessage(ctx, userID, id)
		if err != nil {
			co.log.Warn().Err(err).Str("message_id", id).Msg("PARSE_ERROR")
			continue
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// parseAll strict-parses every raw message, dropping any that fail
// validation (spec.md §7: ParseError drops the message and reports
// message_id).
func (co *Coordinator) parseAll(raws []domain.RawMessage) []domain.ParsedEmail {
	parsed := make([]domain.ParsedEmail, 0, len(raws))
	for _, raw := range raws {
		p, err := domain.ParseEmail(raw)
		if err != nil {
			co.log.Warn().Err(err).Str("message_id", raw.MessageID).Msg("PARSE_ERROR")
			continue
		}
		parsed = append(parsed, p)
	}
	return parsed
}

// dedupe drops any email whose idempotency key (spec.md §3's glossary
// digest of message_id/received_ts/body) has already been seen, either
// earlier in this same batch or, when co.idem is a DurableSet, in a prior
// run. IsDuplicate is a single check-and-insert operation, so two copies of
// the same message arriving in one batch can never both survive.
func (co *Coordinator) dedupe(ctx context.Context, parsed []domain.ParsedEmail) ([]domain.ParsedEmail, error) {
	fresh := make([]domain.ParsedEmail, 0, len(parsed))
	for _, p := range parsed {
		key := domain.DeriveIdempotencyKey(p)
		dup, err := co.idem.IsDuplicate(ctx, string(key))
		if err != nil {
			return nil, err
		}
		if !dup {
			fresh = append(fresh, p)
		}
	}
	return fresh, nil
}

// classifyAndExtract runs the cascade and entity extractor over every fresh
// email, either sequentially or over a bounded worker pool depending on
// cfg.Parallel, then reassembles results in original input order so output
// is a pure function of (input order, now, configuration, rules snapshot)
// regardless of scheduling (spec.md §5).
func (co *Coordinator) classifyAndExtract(ctx context.Context, cfg Config, emails []domain.ParsedEmail) ([]stageResult, error) {
	results := make([]stageResult, len(emails))

	work := func(i int) {
		email := emails[i]
		var fewshot []llm.FewShotExample
		if co.feedback != nil {
			if ex, err := co.feedback.GetFewshotExamples(ctx, 5); err == nil {
				fewshot = ex
			}
		}

		cls, err := co.cascade.Classify(ctx, cascade.Input{
			UserID:           cfg.UserID,
			MessageID:        email.MessageID,
			FromAddress:      email.FromAddress,
			Subject:          email.Subject,
			Snippet:          email.Snippet,
			HasICSAttachment: email.HasICSAttachment,
			AttachmentNames:  email.AttachmentNames,
			RawHeaders:       email.RawHeaders,
			LearnedExamples:  fewshot,
		})
		if err != nil {
			results[i] = stageResult{index: i, email: email, err: err}
			return
		}

		e, hasEntity, err := co.extract.Extract(ctx, email)
		if err != nil {
			co.log.Warn().Err(err).Str("message_id", email.MessageID).Msg("EXTRACT_ERROR")
			hasEntity = false
		}
		if hasEntity {
			e.Importance = cls.Classification.Importance
		}

		results[i] = stageResult{index: i, email: email, classification: cls.Classification, entity: e, hasEntity: hasEntity}
	}

	if !cfg.Parallel {
		for i := range emails {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			work(i)
		}
		return results, nil
	}

	group := pool.New[int](cfg.WorkerCount, indexWorker(work)).WithContinueOnError()
	if err := group.Go(ctx); err != nil {
		return nil, err
	}
	for i := range emails {
		group.Submit(i)
	}
	if err := group.Close(ctx); err != nil {
		return nil, err
	}

	return results, nil
}

// indexWorker adapts a plain per-index function into a go-pkgz/pool Worker.
type indexWorker func(i int)

func (w indexWorker) Do(_ context.Context, i int) error {
	w(i)
	return nil
}

// checkpoint writes the digest_sessions summary row for this run.
func (co *Coordinator) checkpoint(ctx context.Context, userID string, now time.Time, tl timeline.Timeline) error {
	return co.check.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO digest_sessions (user_id, generated_ts, total_emails, critical_count, time_sensitive_count)
			VALUES (?, ?, ?, ?, ?)`,
			userID, now, tl.TotalEmails, tl.CriticalCount, tl.TimeSensitiveCount,
		)
		return err
	})
}
