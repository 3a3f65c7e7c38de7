// Package ledger is the single source of truth for the kiosk's money state.
//
// Flow:
//  1. Coin acceptor credits the balance as coins drop
//  2. Payment confirmation holds, then settles (balance -> earnings)
//  3. Admin resets the balance after cash collection
//
// Every mutation happens inside one mutex and is persisted before the
// in-memory state is committed, so the durable record never lags behind
// anything a caller can observe or broadcast.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnsupportedCoin     = errors.New("unsupported coin value")
)

// Coin nominals the kiosk accepts.
const (
	CoinOne    int64 = 1
	CoinFive   int64 = 5
	CoinTen    int64 = 10
	CoinTwenty int64 = 20
)

// CoinStats counts accepted coins per nominal.
type CoinStats struct {
	One    int64 `json:"one"`
	Five   int64 `json:"five"`
	Ten    int64 `json:"ten"`
	Twenty int64 `json:"twenty"`
}

// JobStats counts settled jobs per mode.
type JobStats struct {
	Total int64 `json:"total"`
	Print int64 `json:"print"`
	Copy  int64 `json:"copy"`
}

// State is the durable ledger record.
type State struct {
	Balance   int64     `json:"balance"`
	Earnings  int64     `json:"earnings"`
	CoinStats CoinStats `json:"coinStats"`
	JobStats  JobStats  `json:"jobStats"`
}

// Snapshot is the read-only view handed to handlers and broadcasts.
type Snapshot struct {
	Balance  int64 `json:"balance"`
	Earnings int64 `json:"earnings"`
}

// Store persists the ledger record. Load must fall back to a default state
// when the underlying record is missing or corrupt; only real I/O failures
// are errors.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// Ledger serializes all monetary mutations. Callers never read-then-write
// the raw balance; they go through Credit, Hold/Settle/Release, and Reset.
type Ledger struct {
	store Store

	mu    sync.Mutex
	state State
	held  int64 // reserved by in-flight payment confirmations, not persisted
}

// Open loads the durable state and rewrites it once so a normalized record
// exists on disk from the first boot.
func Open(ctx context.Context, store Store) (*Ledger, error) {
	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if err := store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("rewrite ledger: %w", err)
	}
	return &Ledger{store: store, state: *state}, nil
}

// Snapshot returns the current balance and lifetime earnings.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{Balance: l.state.Balance, Earnings: l.state.Earnings}
}

// Stats returns the coin and job counters.
func (l *Ledger) Stats() (CoinStats, JobStats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.CoinStats, l.state.JobStats
}

// Credit adds an accepted coin to the balance and persists. On persistence
// failure the in-memory state is left untouched and the coin is not counted,
// so the machine never claims money it cannot durably record.
func (l *Ledger) Credit(ctx context.Context, coin int64) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state
	switch coin {
	case CoinOne:
		next.CoinStats.One++
	case CoinFive:
		next.CoinStats.Five++
	case CoinTen:
		next.CoinStats.Ten++
	case CoinTwenty:
		next.CoinStats.Twenty++
	default:
		return Snapshot{}, ErrUnsupportedCoin
	}
	next.Balance += coin

	if err := l.store.Save(ctx, &next); err != nil {
		return Snapshot{}, fmt.Errorf("persist credit: %w", err)
	}

	l.state = next
	return Snapshot{Balance: next.Balance, Earnings: next.Earnings}, nil
}

// Hold reserves amount for an in-flight payment confirmation. The reservation
// is in-memory only: if the process dies before Settle, the customer keeps
// the balance rather than being charged for an undelivered job.
func (l *Ledger) Hold(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Balance-l.held < amount {
		return ErrInsufficientBalance
	}
	l.held += amount
	return nil
}

// Release drops a reservation made by Hold without charging it.
func (l *Ledger) Release(amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.held -= amount
	if l.held < 0 {
		l.held = 0
	}
}

// Settle converts a held amount into earnings and persists. The hold is
// consumed whether or not the settlement sticks; on persistence failure the
// in-memory state is rolled back and the caller must treat the charge as
// failed (the job was dispensed at the machine's expense).
func (l *Ledger) Settle(ctx context.Context, amount int64, mode string) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.held -= amount
	if l.held < 0 {
		l.held = 0
	}

	// A concurrent admin reset may have zeroed the balance under the hold.
	if l.state.Balance < amount {
		return Snapshot{}, ErrInsufficientBalance
	}

	next := l.state
	next.Balance -= amount
	next.Earnings += amount
	next.JobStats.Total++
	if mode == "print" {
		next.JobStats.Print++
	} else {
		next.JobStats.Copy++
	}

	if err := l.store.Save(ctx, &next); err != nil {
		return Snapshot{}, fmt.Errorf("persist settlement: %w", err)
	}

	l.state = next
	return Snapshot{Balance: next.Balance, Earnings: next.Earnings}, nil
}

// Reset zeroes the balance, leaving lifetime earnings untouched. Outstanding
// holds are dropped; their confirmations will fail at Settle.
func (l *Ledger) Reset(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state
	next.Balance = 0

	if err := l.store.Save(ctx, &next); err != nil {
		return Snapshot{}, fmt.Errorf("persist reset: %w", err)
	}

	l.state = next
	l.held = 0
	return Snapshot{Balance: next.Balance, Earnings: next.Earnings}, nil
}
