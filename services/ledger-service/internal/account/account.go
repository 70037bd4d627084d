package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/aggregate"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/event"
)

const (
	EventOpened    = "ledger.account.opened.v1"
	EventDeposited = "ledger.account.deposited.v1"
	EventWithdrawn = "ledger.account.withdrawn.v1"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotOpen           = errors.New("account not open")
)

// Amounts are int64 minor units (cents).
type OpenedPayload struct {
	OwnerName      string `json:"owner_name"`
	InitialBalance int64  `json:"initial_balance"`
}

type DepositedPayload struct {
	Amount int64 `json:"amount"`
}

type WithdrawnPayload struct {
	Amount int64 `json:"amount"`
}

// Account is the event-sourced state of a single ledger account.
type Account struct {
	ID        uuid.UUID
	OwnerName string
	Balance   int64
	Open      bool
	OpenedAt  time.Time
}

func New(id uuid.UUID) *Account {
	return &Account{ID: id}
}

// Factory adapts New to the loader's contract.
func Factory(id uuid.UUID) aggregate.Root {
	return New(id)
}

// Apply folds one committed event into state. It is a pure transition: no
// validation happens here, only state mutation, so replay is total over any
// committed history.
func (a *Account) Apply(evt event.Event) error {
	switch evt.EventType {
	case EventOpened:
		var p OpenedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", evt.EventType, err)
		}
		a.OwnerName = p.OwnerName
		a.Balance = p.InitialBalance
		a.Open = true
		a.OpenedAt = evt.OccurredAt
	case EventDeposited:
		var p DepositedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", evt.EventType, err)
		}
		a.Balance += p.Amount
	case EventWithdrawn:
		var p WithdrawnPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", evt.EventType, err)
		}
		a.Balance -= p.Amount
	default:
		return fmt.Errorf("unknown event type %q", evt.EventType)
	}
	return nil
}

type snapshotState struct {
	OwnerName string    `json:"owner_name"`
	Balance   int64     `json:"balance"`
	Open      bool      `json:"open"`
	OpenedAt  time.Time `json:"opened_at"`
}

func (a *Account) SnapshotState() ([]byte, error) {
	return json.Marshal(snapshotState{
		OwnerName: a.OwnerName,
		Balance:   a.Balance,
		Open:      a.Open,
		OpenedAt:  a.OpenedAt,
	})
}

func (a *Account) RestoreSnapshot(state []byte) error {
	var s snapshotState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	a.OwnerName = s.OwnerName
	a.Balance = s.Balance
	a.Open = s.Open
	a.OpenedAt = s.OpenedAt
	return nil
}

// View is the read-model document served to clients and stored in the read
// cache. Cache hits and fresh loads must render the same shape.
type View struct {
	AccountID    uuid.UUID `json:"account_id"`
	OwnerName    string    `json:"owner_name"`
	BalanceMinor int64     `json:"balance_minor"`
	Open         bool      `json:"open"`
	Version      int64     `json:"version"`
}

func (a *Account) View(version int64) View {
	return View{
		AccountID:    a.ID,
		OwnerName:    a.OwnerName,
		BalanceMinor: a.Balance,
		Open:         a.Open,
		Version:      version,
	}
}

// Open produces the opening event for a new account.
func Open(ownerName string, initialBalance int64) (event.NewEvent, error) {
	if initialBalance < 0 {
		return event.NewEvent{}, ErrInvalidAmount
	}
	payload, err := json.Marshal(OpenedPayload{OwnerName: ownerName, InitialBalance: initialBalance})
	if err != nil {
		return event.NewEvent{}, err
	}
	return event.NewEvent{EventType: EventOpened, Payload: payload}, nil
}

func (a *Account) Deposit(amount int64) (event.NewEvent, error) {
	if !a.Open {
		return event.NewEvent{}, ErrNotOpen
	}
	if amount <= 0 {
		return event.NewEvent{}, ErrInvalidAmount
	}
	payload, err := json.Marshal(DepositedPayload{Amount: amount})
	if err != nil {
		return event.NewEvent{}, err
	}
	return event.NewEvent{EventType: EventDeposited, Payload: payload}, nil
}

func (a *Account) Withdraw(amount int64) (event.NewEvent, error) {
	if !a.Open {
		return event.NewEvent{}, ErrNotOpen
	}
	if amount <= 0 {
		return event.NewEvent{}, ErrInvalidAmount
	}
	if a.Balance < amount {
		return event.NewEvent{}, ErrInsufficientFunds
	}
	payload, err := json.Marshal(WithdrawnPayload{Amount: amount})
	if err != nil {
		return event.NewEvent{}, err
	}
	return event.NewEvent{EventType: EventWithdrawn, Payload: payload}, nil
}
