package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inboxdigest/core/domain"
	"inboxdigest/core/entity"
	"inboxdigest/infra/database"
	"inboxdigest/pkg/resilience"
)

type fakeMailProvider struct {
	messages map[string]domain.RawMessage
	ids      []string
}

func (f *fakeMailProvider) ListIDs(ctx context.Context, userID string) ([]string, error) {
	return f.ids, nil
}

func (f *fakeMailProvider) GetMessage(ctx context.Context, userID, id string) (domain.RawMessage, error) {
	return f.messages[id], nil
}

// fakeDurableIdem mimics resilience.DurableSet's cross-batch semantics
// (Reset is a no-op) so tests can seed a "previously seen" key and still
// have it honored across a co.Run call, which resets the batch-local set.
type fakeDurableIdem struct {
	seen map[string]bool
}

func newFakeDurableIdem() *fakeDurableIdem {
	return &fakeDurableIdem{seen: make(map[string]bool)}
}

func (f *fakeDurableIdem) IsDuplicate(_ context.Context, key string) (bool, error) {
	if f.seen[key] {
		return true, nil
	}
	f.seen[key] = true
	return false, nil
}

func (f *fakeDurableIdem) Reset() {}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.DefaultSQLiteConfig(":memory:"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testMessage(messageID, threadID string) domain.RawMessage {
	return domain.RawMessage{
		MessageID: messageID, ThreadID: threadID, ReceivedTS: time.Now(),
		Headers:  map[string][]string{"From": {"a@b.com"}, "To": {"me@b.com"}, "Subject": {"hi"}},
		BodyText: "hi there",
		Snippet:  "hi",
	}
}

func TestDedupe_FirstPassReturnsFreshEmail(t *testing.T) {
	msg := testMessage("m1", "t1")
	mail := &fakeMailProvider{ids: []string{"m1"}, messages: map[string]domain.RawMessage{"m1": msg}}
	co := &Coordinator{mail: mail, idem: resilience.NewBatchSet(), log: zerolog.Nop()}

	parsed := co.parseAll([]domain.RawMessage{msg})
	if len(parsed) != 1 {
		t.Fatalf("expected 1 parsed email, got %d", len(parsed))
	}

	fresh, err := co.dedupe(context.Background(), parsed)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if len(fresh) != 1 {
		t.Errorf("expected 1 fresh email, got %d", len(fresh))
	}
}

func TestDedupe_SecondPassDropsAlreadySeenMessage(t *testing.T) {
	msg := testMessage("m1", "t1")
	mail := &fakeMailProvider{ids: []string{"m1"}, messages: map[string]domain.RawMessage{"m1": msg}}
	co := &Coordinator{mail: mail, idem: resilience.NewBatchSet(), log: zerolog.Nop()}

	parsed := co.parseAll([]domain.RawMessage{msg})
	if _, err := co.dedupe(context.Background(), parsed); err != nil {
		t.Fatalf("first dedupe: %v", err)
	}

	fresh, err := co.dedupe(context.Background(), parsed)
	if err != nil {
		t.Fatalf("second dedupe: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("expected 0 fresh emails on replay, got %d", len(fresh))
	}
}

func TestDedupe_DropsDuplicateMessageWithinSameBatch(t *testing.T) {
	msg := testMessage("m1", "t1")
	co := &Coordinator{idem: resilience.NewBatchSet(), log: zerolog.Nop()}

	parsed := co.parseAll([]domain.RawMessage{msg, msg})
	if len(parsed) != 2 {
		t.Fatalf("expected both copies to parse, got %d", len(parsed))
	}

	fresh, err := co.dedupe(context.Background(), parsed)
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if len(fresh) != 1 {
		t.Errorf("expected 1 survivor out of 2 duplicate copies in the same batch, got %d", len(fresh))
	}
}

func TestRun_ReturnsErrNoNewEmailsWhenEverythingIsDeduped(t *testing.T) {
	db := newTestDB(t)
	msg := testMessage("m1", "t1")
	mail := &fakeMailProvider{ids: []string{"m1"}, messages: map[string]domain.RawMessage{"m1": msg}}
	idem := newFakeDurableIdem()
	co := &Coordinator{
		mail:    mail,
		idem:    idem,
		check:   db,
		extract: entity.New(entity.NoopLLMFallback{}, zerolog.Nop()),
		log:     zerolog.Nop(),
	}

	parsed := co.parseAll([]domain.RawMessage{msg})
	if _, err := co.dedupe(context.Background(), parsed); err != nil {
		t.Fatalf("seeding dedupe: %v", err)
	}

	_, err := co.Run(context.Background(), Config{UserID: "u1"})
	if err != ErrNoNewEmails {
		t.Errorf("got err=%v, want ErrNoNewEmails", err)
	}
}

func TestParseAll_DropsInvalidMessagesWithoutFailing(t *testing.T) {
	co := &Coordinator{log: zerolog.Nop()}
	invalid := domain.RawMessage{MessageID: "bad"} // missing From/To/Subject headers
	parsed := co.parseAll([]domain.RawMessage{invalid})
	if len(parsed) != 0 {
		t.Errorf("expected strict parse to drop the invalid message, got %d", len(parsed))
	}
}
