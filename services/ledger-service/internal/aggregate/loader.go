package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/event"
)

// Root is the in-memory form of an event-sourced aggregate. Apply must be
// deterministic: replaying the same events in the same order always yields
// the same state, which is what makes snapshots interchangeable with full
// replay.
type Root interface {
	Apply(evt event.Event) error
	SnapshotState() ([]byte, error)
	RestoreSnapshot(state []byte) error
}

// Factory creates an empty Root for an aggregate id.
type Factory func(id uuid.UUID) Root

var ErrNotFound = errors.New("aggregate not found")

// CorruptHistoryError signals a gap or misordering in an aggregate's event
// sequence. The store's invariants make this unreachable; if it fires, the
// history is damaged and no retry will help.
type CorruptHistoryError struct {
	AggregateID     uuid.UUID
	ExpectedVersion int64
	GotVersion      int64
}

func (e *CorruptHistoryError) Error() string {
	return fmt.Sprintf("corrupt history for aggregate %s: expected version %d, got %d", e.AggregateID, e.ExpectedVersion, e.GotVersion)
}

type EventReader interface {
	Read(ctx context.Context, aggregateID uuid.UUID, fromVersion int64) ([]event.Event, error)
}

type SnapshotGetter interface {
	GetLatest(ctx context.Context, aggregateID uuid.UUID) (state []byte, version int64, ok bool, err error)
}

// Loader rebuilds aggregate state from the latest snapshot plus the event
// tail. An absent snapshot is not an error, just a full replay from version 1.
type Loader struct {
	events    EventReader
	snapshots SnapshotGetter
	factory   Factory
}

func NewLoader(events EventReader, snapshots SnapshotGetter, factory Factory) *Loader {
	return &Loader{events: events, snapshots: snapshots, factory: factory}
}

func (l *Loader) Load(ctx context.Context, aggregateID uuid.UUID) (Root, int64, error) {
	root := l.factory(aggregateID)

	var version int64
	if l.snapshots != nil {
		state, v, ok, err := l.snapshots.GetLatest(ctx, aggregateID)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			if err := root.RestoreSnapshot(state); err != nil {
				return nil, 0, fmt.Errorf("restore snapshot for aggregate %s at version %d: %w", aggregateID, v, err)
			}
			version = v
		}
	}

	events, err := l.events.Read(ctx, aggregateID, version+1)
	if err != nil {
		return nil, 0, err
	}
	if version == 0 && len(events) == 0 {
		return nil, 0, ErrNotFound
	}
	for _, evt := range events {
		if evt.Version != version+1 {
			return nil, 0, &CorruptHistoryError{AggregateID: aggregateID, ExpectedVersion: version + 1, GotVersion: evt.Version}
		}
		if err := root.Apply(evt); err != nil {
			return nil, 0, err
		}
		version = evt.Version
	}
	return root, version, nil
}
