// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/carematch/carematch/carematch/structs"
)

// CreateBulkRequest stores a newly submitted bulk matching request in
// PENDING state.
func (s *StateStore) CreateBulkRequest(req *structs.BulkMatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existing, err := txn.First(TableBulkRequests, indexID, req.ID)
	if err != nil {
		return fmt.Errorf("bulk request lookup failed: %v", err)
	}
	if existing != nil {
		return fmt.Errorf("bulk request %s already exists: %w", req.ID, structs.ErrConflict)
	}

	req = req.Copy()
	now := time.Now().UTC()
	req.Status = structs.BulkMatchStatusPending
	req.CreateTime = now
	req.ModifyTime = now
	req.Version = 1

	if err := txn.Insert(TableBulkRequests, req); err != nil {
		return fmt.Errorf("bulk request insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableBulkRequests, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// BulkRequestByID returns one bulk request or ErrNotFound.
func (s *StateStore) BulkRequestByID(id string) (*structs.BulkMatchRequest, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableBulkRequests, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("bulk request lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("bulk request", id)
	}
	return raw.(*structs.BulkMatchRequest), nil
}

// BulkRequestsByOrg returns an organization's bulk requests, newest
// first.
func (s *StateStore) BulkRequestsByOrg(orgID string) ([]*structs.BulkMatchRequest, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableBulkRequests, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("bulk request lookup failed: %v", err)
	}
	var out []*structs.BulkMatchRequest
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.BulkMatchRequest))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateBulkRequest applies a mutation to a bulk request under the write
// lock. The runner uses this to flip status and record progress counters.
func (s *StateStore) UpdateBulkRequest(id string, fn func(*structs.BulkMatchRequest) error) (*structs.BulkMatchRequest, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	raw, err := txn.First(TableBulkRequests, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("bulk request lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("bulk request", id)
	}
	existing := raw.(*structs.BulkMatchRequest)
	if existing.Status.Terminal() {
		return nil, fmt.Errorf("bulk request %s is %s: %w", id, existing.Status, structs.ErrConflict)
	}

	updated := existing.Copy()
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.Version = existing.Version + 1
	updated.ModifyTime = time.Now().UTC()

	if err := txn.Insert(TableBulkRequests, updated); err != nil {
		return nil, fmt.Errorf("bulk request update failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableBulkRequests, index); err != nil {
		return nil, err
	}
	txn.Commit()
	return updated, nil
}

// AppendHistory appends match-history rows outside of a proposal
// transaction; the bulk runner uses it for NO_MATCH records.
func (s *StateStore) AppendHistory(rows []*structs.MatchHistory) error {
	if len(rows) == 0 {
		return nil
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	if err := appendHistoryTxn(txn, rows); err != nil {
		return err
	}
	if err := updateIndexTxn(txn, TableHistory, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// HistoryByShift returns the append-only attempt log for a shift, oldest
// first.
func (s *StateStore) HistoryByShift(shiftID string) ([]*structs.MatchHistory, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableHistory, indexShift, shiftID)
	if err != nil {
		return nil, fmt.Errorf("history lookup failed: %v", err)
	}
	var out []*structs.MatchHistory
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.MatchHistory))
	}
	sortHistory(out)
	return out, nil
}

// HistoryInRange returns an organization's history rows created within
// [from, to), oldest first; the KPI aggregator consumes this.
func (s *StateStore) HistoryInRange(orgID string, from, to time.Time) ([]*structs.MatchHistory, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableHistory, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("history lookup failed: %v", err)
	}
	var out []*structs.MatchHistory
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		row := raw.(*structs.MatchHistory)
		if row.CreateTime.Before(from) || !row.CreateTime.Before(to) {
			continue
		}
		out = append(out, row)
	}
	sortHistory(out)
	return out, nil
}

func sortHistory(rows []*structs.MatchHistory) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreateTime.Equal(rows[j].CreateTime) {
			return rows[i].CreateTime.Before(rows[j].CreateTime)
		}
		return rows[i].ID < rows[j].ID
	})
}
