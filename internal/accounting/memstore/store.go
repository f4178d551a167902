// Package memstore is an in-memory accounting.Repository. Transactions are
// serialised and copy-on-write: a closure works on a private copy of the state
// that replaces the shared state only when the closure succeeds.
package memstore

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
)

var errReadOnly = errors.New("memstore: write in read-only transaction")

var (
	_ accounting.Repository   = (*Store)(nil)
	_ accounting.TxRepository = (*tx)(nil)
)

type sequenceKey struct {
	companyID    int64
	fiscalYearID int64
}

type state struct {
	nextID    int64
	accounts  map[int64]accounting.Account
	groups    map[int64]accounting.AccountGroup
	years     map[int64]accounting.FiscalYear
	periods   map[int64]accounting.Period
	entries   map[int64]accounting.JournalEntry
	sequences map[sequenceKey]int64
	postings  []accounting.Posting
	balances  map[accounting.BalanceKey]accounting.BalanceRow
	links     []accounting.ReversalLink
	autos     map[int64]accounting.AutoReversal
	wtbs      map[int64]accounting.WorkingTrialBalance
	batches   map[int64]accounting.OpeningBatch
}

func newState() *state {
	return &state{
		accounts:  make(map[int64]accounting.Account),
		groups:    make(map[int64]accounting.AccountGroup),
		years:     make(map[int64]accounting.FiscalYear),
		periods:   make(map[int64]accounting.Period),
		entries:   make(map[int64]accounting.JournalEntry),
		sequences: make(map[sequenceKey]int64),
		balances:  make(map[accounting.BalanceKey]accounting.BalanceRow),
		autos:     make(map[int64]accounting.AutoReversal),
		wtbs:      make(map[int64]accounting.WorkingTrialBalance),
		batches:   make(map[int64]accounting.OpeningBatch),
	}
}

// clone copies every table. Slices are capped so appends in the copy never
// write into the original backing arrays; values holding slices or maps are
// replaced wholesale on update, never mutated in place.
func (s *state) clone() *state {
	return &state{
		nextID:    s.nextID,
		accounts:  maps.Clone(s.accounts),
		groups:    maps.Clone(s.groups),
		years:     maps.Clone(s.years),
		periods:   maps.Clone(s.periods),
		entries:   maps.Clone(s.entries),
		sequences: maps.Clone(s.sequences),
		postings:  s.postings[:len(s.postings):len(s.postings)],
		balances:  maps.Clone(s.balances),
		links:     s.links[:len(s.links):len(s.links)],
		autos:     maps.Clone(s.autos),
		wtbs:      maps.Clone(s.wtbs),
		batches:   maps.Clone(s.batches),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is a goroutine safe in-memory repository.
type Store struct {
	mu    sync.RWMutex
	state *state
}

// New constructs an empty Store.
func New() *Store {
	return &Store{state: newState()}
}

// WithTx executes fn against a private copy of the state and publishes it on success.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// WithReadTx executes fn against the current state without allowing writes.
func (s *Store) WithReadTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &tx{st: s.state, readOnly: true})
}

type tx struct {
	st       *state
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return accounting.Internal(errReadOnly)
	}
	return nil
}
