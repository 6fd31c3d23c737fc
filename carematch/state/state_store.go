// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state provides the in-memory transactional state store used by
// the engine for tests and single-node deployments. The PostgreSQL
// variant in pgstore implements the same capability set.
package state

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
)

// IndexEntry keeps the latest write index per table, mirroring the row
// versions so callers can cheaply detect table-level change.
type IndexEntry struct {
	Key   string
	Value uint64
}

// StateStore is the in-memory store. All writes go through memdb write
// transactions; multi-row invariants (accept path, supersession, sweep)
// commit atomically inside a single transaction. The single-writer
// semantics of memdb give the serializable behavior the accept path
// requires.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB

	// nextIndex is the monotonically increasing write index.
	nextIndex uint64
}

// NewStateStore constructs an empty store.
func NewStateStore(logger hclog.Logger) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}
	return &StateStore{
		logger: logger.Named("state_store"),
		db:     db,
	}, nil
}

// writeIndex reserves the next write index.
func (s *StateStore) writeIndex() uint64 {
	return atomic.AddUint64(&s.nextIndex, 1)
}

// LatestIndex returns the newest write index across all tables.
func (s *StateStore) LatestIndex() uint64 {
	return atomic.LoadUint64(&s.nextIndex)
}

// Index returns the latest write index for a table.
func (s *StateStore) Index(table string) (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(tableIndex, indexID, table)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// updateIndexTxn marks the table's latest write inside an open txn.
func updateIndexTxn(txn *memdb.Txn, table string, index uint64) error {
	if err := txn.Insert(tableIndex, &IndexEntry{table, index}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}
