package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/bankledger/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

// fakeTx satisfies pgx.Tx for the publisher, which only ever commits or
// rolls back; the repository fakes below ignore it entirely.
type fakeTx struct{}

func (fakeTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not supported") }
func (fakeTx) Commit(context.Context) error          { return nil }
func (fakeTx) Rollback(context.Context) error        { return nil }
func (fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}
func (fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}
func (fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not supported")
}
func (fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}
func (fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (fakeTx) Conn() *pgx.Conn                                  { return nil }

type fakeBeginner struct{}

func (fakeBeginner) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

type fakeEntry struct {
	rcd         Record
	status      string
	lastAttempt time.Time
}

// fakeOutbox mirrors the repository's frontier semantics in memory: only
// each aggregate's lowest unpublished version is eligible, failed entries
// block later versions, and recent attempts wait out the retry delay.
type fakeOutbox struct {
	entries        []*fakeEntry
	markPubErrs    int
	publishedCount int
}

func (f *fakeOutbox) add(aggregateID uuid.UUID, version int64, eventType string) uuid.UUID {
	eventID := uuid.New()
	f.entries = append(f.entries, &fakeEntry{
		rcd: Record{
			EventID:     eventID,
			AggregateID: aggregateID,
			Version:     version,
			EventType:   eventType,
			Payload:     []byte(`{}`),
		},
		status: StatusPending,
	})
	return eventID
}

func (f *fakeOutbox) find(eventID uuid.UUID) *fakeEntry {
	for _, e := range f.entries {
		if e.rcd.EventID == eventID {
			return e
		}
	}
	return nil
}

func (f *fakeOutbox) blocked(e *fakeEntry) bool {
	for _, prev := range f.entries {
		if prev.rcd.AggregateID == e.rcd.AggregateID && prev.rcd.Version < e.rcd.Version && prev.status != StatusPublished {
			return true
		}
	}
	return false
}

func (f *fakeOutbox) FetchFrontier(_ context.Context, _ pgx.Tx, retryAfter time.Duration, limit int) ([]Record, error) {
	var records []Record
	for _, e := range f.entries {
		if e.status != StatusPending || f.blocked(e) {
			continue
		}
		if !e.lastAttempt.IsZero() && time.Since(e.lastAttempt) < retryAfter {
			continue
		}
		records = append(records, e.rcd)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].AggregateID != records[j].AggregateID {
			return records[i].AggregateID.String() < records[j].AggregateID.String()
		}
		return records[i].Version < records[j].Version
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (f *fakeOutbox) MarkPublished(_ context.Context, _ pgx.Tx, eventIDs []uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	if f.markPubErrs > 0 {
		f.markPubErrs--
		return errors.New("mark published failed")
	}
	for _, id := range eventIDs {
		f.find(id).status = StatusPublished
		f.publishedCount++
	}
	return nil
}

func (f *fakeOutbox) MarkAttemptFailed(_ context.Context, _ pgx.Tx, eventID uuid.UUID, attempts, maxAttempts int) error {
	e := f.find(eventID)
	e.rcd.Attempts = attempts
	e.status = statusAfter(attempts, maxAttempts)
	e.lastAttempt = time.Now()
	return nil
}

// fakeWriter records every delivered message and fails deliveries keyed by
// the aggregate ids in failKeys.
type fakeWriter struct {
	messages []kafka.Message
	failKeys map[string]bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		if f.failKeys[string(msg.Key)] {
			return errors.New("broker unavailable")
		}
		f.messages = append(f.messages, msg)
	}
	return nil
}

func (f *fakeWriter) versionsFor(aggregateID uuid.UUID) []string {
	var versions []string
	for _, msg := range f.messages {
		if string(msg.Key) == aggregateID.String() {
			versions = append(versions, kafkax.HeaderValue(msg.Headers, "aggregate_version"))
		}
	}
	return versions
}

func newTestPublisher(repo *fakeOutbox, maxAttempts int, retryAfter time.Duration) *Publisher {
	return &Publisher{
		pool:        fakeBeginner{},
		repo:        repo,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		topic:       "ledger.events.v1",
		batchSize:   50,
		maxAttempts: maxAttempts,
		retryAfter:  retryAfter,
	}
}

func TestPublishRoundIsolatesFailingAggregate(t *testing.T) {
	badAgg := uuid.New()
	goodAgg := uuid.New()

	repo := &fakeOutbox{}
	badFirst := repo.add(badAgg, 1, "ledger.account.deposited.v1")
	badSecond := repo.add(badAgg, 2, "ledger.account.deposited.v1")
	repo.add(goodAgg, 1, "ledger.account.opened.v1")
	repo.add(goodAgg, 2, "ledger.account.deposited.v1")

	writer := &fakeWriter{failKeys: map[string]bool{badAgg.String(): true}}
	pub := newTestPublisher(repo, 10, time.Hour)

	if err := pub.drain(context.Background(), writer); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if got := writer.versionsFor(goodAgg); len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("healthy aggregate should publish fully, got versions %v", got)
	}
	if got := writer.versionsFor(badAgg); len(got) != 0 {
		t.Fatalf("failing aggregate must not deliver, got versions %v", got)
	}

	first := repo.find(badFirst)
	if first.status != StatusPending || first.rcd.Attempts != 1 {
		t.Fatalf("failed delivery should stay pending with one attempt, got status=%s attempts=%d", first.status, first.rcd.Attempts)
	}
	second := repo.find(badSecond)
	if second.status != StatusPending || second.rcd.Attempts != 0 {
		t.Fatalf("later version must stay blocked and untouched, got status=%s attempts=%d", second.status, second.rcd.Attempts)
	}
}

func TestDrainDeliversVersionsInOrder(t *testing.T) {
	repo := &fakeOutbox{}
	aggregates := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, aggregateID := range aggregates {
		for v := int64(1); v <= 3; v++ {
			repo.add(aggregateID, v, "ledger.account.deposited.v1")
		}
	}

	writer := &fakeWriter{}
	pub := newTestPublisher(repo, 10, time.Hour)

	if err := pub.drain(context.Background(), writer); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if repo.publishedCount != 9 {
		t.Fatalf("expected 9 published records, got %d", repo.publishedCount)
	}
	for _, aggregateID := range aggregates {
		got := writer.versionsFor(aggregateID)
		want := []string{"1", "2", "3"}
		if len(got) != len(want) {
			t.Fatalf("aggregate %s: expected versions %v, got %v", aggregateID, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("aggregate %s: expected versions %v, got %v", aggregateID, want, got)
			}
		}
	}
}

func TestUnmarkedDeliveryIsRedelivered(t *testing.T) {
	aggregateID := uuid.New()
	repo := &fakeOutbox{markPubErrs: 1}
	eventID := repo.add(aggregateID, 1, "ledger.account.opened.v1")

	writer := &fakeWriter{}
	pub := newTestPublisher(repo, 10, time.Hour)

	// The broker accepted the message but the published mark never landed,
	// as after a crash between write and mark.
	if err := pub.drain(context.Background(), writer); err == nil {
		t.Fatal("expected drain to surface the mark failure")
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 delivery before the mark failure, got %d", len(writer.messages))
	}
	if e := repo.find(eventID); e.status != StatusPending {
		t.Fatalf("unmarked record must stay pending, got %s", e.status)
	}

	if err := pub.drain(context.Background(), writer); err != nil {
		t.Fatalf("redelivery drain: %v", err)
	}
	if len(writer.messages) != 2 {
		t.Fatalf("expected the record redelivered (at-least-once), got %d deliveries", len(writer.messages))
	}
	if e := repo.find(eventID); e.status != StatusPublished {
		t.Fatalf("record should be published after the retry, got %s", e.status)
	}
}

func TestExhaustedDeliveryTransitionsToFailed(t *testing.T) {
	aggregateID := uuid.New()
	repo := &fakeOutbox{}
	firstID := repo.add(aggregateID, 1, "ledger.account.opened.v1")
	secondID := repo.add(aggregateID, 2, "ledger.account.deposited.v1")

	writer := &fakeWriter{failKeys: map[string]bool{aggregateID.String(): true}}
	pub := newTestPublisher(repo, 3, 0)

	for i := 0; i < 3; i++ {
		if err := pub.drain(context.Background(), writer); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	first := repo.find(firstID)
	if first.status != StatusFailed || first.rcd.Attempts != 3 {
		t.Fatalf("expected failed after 3 attempts, got status=%s attempts=%d", first.status, first.rcd.Attempts)
	}
	if e := repo.find(secondID); e.status != StatusPending || e.rcd.Attempts != 0 {
		t.Fatalf("later version must stay blocked behind the failed entry, got status=%s attempts=%d", e.status, e.rcd.Attempts)
	}

	records, err := repo.FetchFrontier(context.Background(), fakeTx{}, 0, 50)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("failed aggregate must leave the frontier until requeued, got %d records", len(records))
	}
	if len(writer.messages) != 0 {
		t.Fatalf("no deliveries expected, got %d", len(writer.messages))
	}
}

func TestBuildMessage(t *testing.T) {
	eventID := uuid.New()
	aggregateID := uuid.New()
	rcd := Record{
		EventID:     eventID,
		AggregateID: aggregateID,
		Version:     7,
		EventType:   "ledger.account.deposited.v1",
		Payload:     []byte(`{"amount":100}`),
	}

	msg := buildMessage(rcd)

	if string(msg.Key) != aggregateID.String() {
		t.Fatalf("message must be keyed by aggregate_id, got %q", msg.Key)
	}
	if string(msg.Value) != `{"amount":100}` {
		t.Fatalf("unexpected payload: %s", msg.Value)
	}
	if got := kafkax.HeaderValue(msg.Headers, "event_id"); got != eventID.String() {
		t.Fatalf("expected event_id header %s, got %q", eventID, got)
	}
	if got := kafkax.HeaderValue(msg.Headers, "event_type"); got != "ledger.account.deposited.v1" {
		t.Fatalf("unexpected event_type header %q", got)
	}
	if got := kafkax.HeaderValue(msg.Headers, "aggregate_version"); got != "7" {
		t.Fatalf("unexpected aggregate_version header %q", got)
	}
}

func TestStatusAfter(t *testing.T) {
	cases := []struct {
		attempts    int
		maxAttempts int
		want        string
	}{
		{1, 10, StatusPending},
		{9, 10, StatusPending},
		{10, 10, StatusFailed},
		{11, 10, StatusFailed},
	}
	for _, tc := range cases {
		if got := statusAfter(tc.attempts, tc.maxAttempts); got != tc.want {
			t.Fatalf("statusAfter(%d, %d) = %s, want %s", tc.attempts, tc.maxAttempts, got, tc.want)
		}
	}
}
