// Package store provides an in-memory TxStore for tests and dev.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/extropy/ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements ledger.TxStore and ledger.AuditStore with the same
// semantics as the durable stores: conditional non-negative balance updates,
// append-only entries with store-assigned sequence numbers, and an
// all-or-nothing transaction boundary (simulated via snapshot + rollback).
type Memory struct {
	mu         sync.RWMutex
	balances   map[ledger.AccountID]decimal.Decimal
	entries    []ledger.Entry
	operations map[string]ledger.GroupID
	seq        int64
}

func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[ledger.AccountID]decimal.Decimal),
		operations: make(map[string]ledger.GroupID),
	}
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

func (m *Memory) GetBalance(_ context.Context, id ledger.AccountID) (ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[id]; ok {
		return b, nil
	}
	return decimal.Zero, nil
}

func (m *Memory) ApplyDelta(_ context.Context, id ledger.AccountID, delta ledger.Delta) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyDeltaLocked(id, delta)
}

func (m *Memory) Append(_ context.Context, entries []ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(entries)
	return nil
}

func (m *Memory) EntriesByGroup(_ context.Context, group ledger.GroupID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesByGroupLocked(group), nil
}

func (m *Memory) GroupReversed(_ context.Context, group ledger.GroupID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groupReversedLocked(group), nil
}

func (m *Memory) RecordOperation(_ context.Context, operationID string, group ledger.GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordOperationLocked(operationID, group)
}

func (m *Memory) History(_ context.Context, id ledger.AccountID, cursor ledger.Cursor, limit int) ([]ledger.Entry, ledger.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, next := m.historyLocked(id, cursor, ledger.ClampHistoryLimit(limit))
	return entries, next, nil
}

func (m *Memory) AccountIDs(_ context.Context) ([]ledger.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ledger.AccountID, 0, len(m.balances))
	for id := range m.balances {
		ids = append(ids, id)
	}
	return ids, nil
}

// =============================================================================
// TRANSACTION BOUNDARY
// =============================================================================

// WithTx holds the store lock for the whole unit of work and rolls back to a
// snapshot if fn fails, so partial effects are never observable.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances   map[ledger.AccountID]decimal.Decimal
	entries    []ledger.Entry
	operations map[string]ledger.GroupID
	seq        int64
}

func (m *Memory) snapshot() memorySnapshot {
	balances := make(map[ledger.AccountID]decimal.Decimal, len(m.balances))
	for k, v := range m.balances {
		balances[k] = v
	}
	operations := make(map[string]ledger.GroupID, len(m.operations))
	for k, v := range m.operations {
		operations[k] = v
	}
	entries := make([]ledger.Entry, len(m.entries))
	copy(entries, m.entries)
	return memorySnapshot{balances: balances, entries: entries, operations: operations, seq: m.seq}
}

func (m *Memory) restore(s memorySnapshot) {
	m.balances = s.balances
	m.entries = s.entries
	m.operations = s.operations
	m.seq = s.seq
}

// txView exposes the locked helpers to the function running inside WithTx.
type txView struct {
	parent *Memory
}

func (v *txView) GetBalance(_ context.Context, id ledger.AccountID) (ledger.Balance, error) {
	if b, ok := v.parent.balances[id]; ok {
		return b, nil
	}
	return decimal.Zero, nil
}

func (v *txView) ApplyDelta(_ context.Context, id ledger.AccountID, delta ledger.Delta) (ledger.Balance, error) {
	return v.parent.applyDeltaLocked(id, delta)
}

func (v *txView) Append(_ context.Context, entries []ledger.Entry) error {
	v.parent.appendLocked(entries)
	return nil
}

func (v *txView) EntriesByGroup(_ context.Context, group ledger.GroupID) ([]ledger.Entry, error) {
	return v.parent.entriesByGroupLocked(group), nil
}

func (v *txView) GroupReversed(_ context.Context, group ledger.GroupID) (bool, error) {
	return v.parent.groupReversedLocked(group), nil
}

func (v *txView) RecordOperation(_ context.Context, operationID string, group ledger.GroupID) error {
	return v.parent.recordOperationLocked(operationID, group)
}

func (v *txView) History(_ context.Context, id ledger.AccountID, cursor ledger.Cursor, limit int) ([]ledger.Entry, ledger.Cursor, error) {
	entries, next := v.parent.historyLocked(id, cursor, ledger.ClampHistoryLimit(limit))
	return entries, next, nil
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) applyDeltaLocked(id ledger.AccountID, delta decimal.Decimal) (decimal.Decimal, error) {
	current := m.balances[id]
	next := current.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, &ledger.InsufficientFundsError{
			AccountID: id,
			Available: current,
			Requested: delta.Neg(),
		}
	}
	m.balances[id] = next
	return next, nil
}

func (m *Memory) appendLocked(entries []ledger.Entry) {
	for _, e := range entries {
		m.seq++
		e.Sequence = m.seq
		m.entries = append(m.entries, e)
	}
}

func (m *Memory) entriesByGroupLocked(group ledger.GroupID) []ledger.Entry {
	var result []ledger.Entry
	for _, e := range m.entries {
		if e.GroupID == group {
			result = append(result, e)
		}
	}
	return result
}

func (m *Memory) groupReversedLocked(group ledger.GroupID) bool {
	for _, e := range m.entries {
		if e.Kind == ledger.KindReversal && e.ReversesGroup == group {
			return true
		}
	}
	return false
}

func (m *Memory) recordOperationLocked(operationID string, group ledger.GroupID) error {
	if _, exists := m.operations[operationID]; exists {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateOperation, operationID)
	}
	m.operations[operationID] = group
	return nil
}

func (m *Memory) historyLocked(id ledger.AccountID, cursor ledger.Cursor, limit int) ([]ledger.Entry, ledger.Cursor) {
	var page []ledger.Entry
	more := false

	// Entries are held in sequence order; walk backwards for newest-first.
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.AccountID != id {
			continue
		}
		if !cursor.IsZero() && !cursor.Before(e.CreatedAt, e.Sequence) {
			continue
		}
		if len(page) == limit {
			more = true
			break
		}
		page = append(page, e)
	}

	if !more {
		return page, ledger.Cursor{}
	}
	last := page[len(page)-1]
	return page, ledger.Cursor{CreatedAt: last.CreatedAt, Sequence: last.Sequence}
}
