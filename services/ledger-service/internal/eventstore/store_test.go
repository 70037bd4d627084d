package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/event"
)

type fakeRow struct {
	value int64
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.value
	return nil
}

// raceTx lets the expected-version read pass and then fails the event insert
// with a unique violation, as when another writer commits between the read
// and the insert.
type raceTx struct {
	seenVersion int64
}

func (raceTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not supported") }
func (raceTx) Commit(context.Context) error          { return nil }
func (raceTx) Rollback(context.Context) error        { return nil }
func (raceTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}
func (raceTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (raceTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (raceTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}
func (raceTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
}
func (raceTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}
func (t raceTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{value: t.seenVersion}
}
func (raceTx) Conn() *pgx.Conn { return nil }

// racePool hands out a raceTx and answers the post-conflict version re-read
// with committedVersion.
type racePool struct {
	seenVersion      int64
	committedVersion int64
	rereadErr        error
}

func (p racePool) Begin(context.Context) (pgx.Tx, error) {
	return raceTx{seenVersion: p.seenVersion}, nil
}

func (racePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (p racePool) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{value: p.committedVersion, err: p.rereadErr}
}

func TestAppendRaceReportsCommittedVersion(t *testing.T) {
	aggregateID := uuid.New()
	// Both writers read version 4; the other one committed 5..7 first.
	store := &Store{pool: racePool{seenVersion: 4, committedVersion: 7}}

	_, err := store.Append(context.Background(), aggregateID, 4, []event.NewEvent{
		{EventType: "ledger.account.deposited.v1", Payload: []byte(`{}`)},
	})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Expected != 4 {
		t.Fatalf("expected version 4 in conflict, got %d", conflict.Expected)
	}
	if conflict.Actual != 7 {
		t.Fatalf("conflict must report the committed version 7, got %d", conflict.Actual)
	}
}

func TestAppendRaceFallsBackToTriedVersion(t *testing.T) {
	aggregateID := uuid.New()
	store := &Store{pool: racePool{seenVersion: 4, committedVersion: 7, rereadErr: errors.New("connection lost")}}

	_, err := store.Append(context.Background(), aggregateID, 4, []event.NewEvent{
		{EventType: "ledger.account.deposited.v1", Payload: []byte(`{}`)},
	})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Actual != 5 {
		t.Fatalf("expected fallback to the tried version 5, got %d", conflict.Actual)
	}
}

func TestConflictError_Message(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	err := &ConflictError{AggregateID: id, Expected: 3, Actual: 5}

	msg := err.Error()
	if !strings.Contains(msg, "expected 3") || !strings.Contains(msg, "found 5") || !strings.Contains(msg, id.String()) {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestConflictError_Unwrapping(t *testing.T) {
	id := uuid.New()
	wrapped := fmt.Errorf("command failed: %w", &ConflictError{AggregateID: id, Expected: 0, Actual: 1})

	var conflict *ConflictError
	if !errors.As(wrapped, &conflict) {
		t.Fatal("errors.As should find ConflictError through wrapping")
	}
	if conflict.Actual != 1 {
		t.Fatalf("expected actual version 1, got %d", conflict.Actual)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"other pg error", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isUniqueViolation(tc.err); got != tc.want {
				t.Fatalf("isUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
