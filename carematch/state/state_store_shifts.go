// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/carematch/carematch/carematch/structs"
)

// UpsertShift inserts or replaces an open shift. New shifts start at
// version 1; replacements must carry the current version and are bumped.
func (s *StateStore) UpsertShift(shift *structs.OpenShift) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existingRaw, err := txn.First(TableShifts, indexID, shift.ID)
	if err != nil {
		return fmt.Errorf("shift lookup failed: %v", err)
	}

	shift = shift.Copy()
	now := time.Now().UTC()
	if existingRaw != nil {
		existing := existingRaw.(*structs.OpenShift)
		if shift.Version != existing.Version {
			return structs.NewStaleVersionError("shift", shift.ID, shift.Version, existing.Version)
		}
		shift.CreateTime = existing.CreateTime
		shift.Version = existing.Version + 1
	} else {
		shift.CreateTime = now
		shift.Version = 1
	}
	shift.ModifyTime = now

	if err := txn.Insert(TableShifts, shift); err != nil {
		return fmt.Errorf("shift insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableShifts, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ShiftByID returns one shift or ErrNotFound.
func (s *StateStore) ShiftByID(id string) (*structs.OpenShift, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return shiftByIDTxn(txn, id)
}

func shiftByIDTxn(txn *memdb.Txn, id string) (*structs.OpenShift, error) {
	raw, err := txn.First(TableShifts, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("shift lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("shift", id)
	}
	return raw.(*structs.OpenShift), nil
}

// ListShifts returns shifts matching the filter, ordered by priority
// desc, scheduled date asc, id asc, paginated by NextToken over that
// ordering.
func (s *StateStore) ListShifts(filter *structs.ShiftListFilter, opts *structs.QueryOptions) ([]*structs.OpenShift, *structs.QueryMeta, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var iter memdb.ResultIterator
	var err error
	if filter != nil && filter.OrganizationID != "" {
		iter, err = txn.Get(TableShifts, indexOrg, filter.OrganizationID)
	} else {
		iter, err = txn.Get(TableShifts, indexID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("shift listing failed: %v", err)
	}

	var all []*structs.OpenShift
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		shift := raw.(*structs.OpenShift)
		if filter != nil && !filter.Match(shift) {
			continue
		}
		all = append(all, shift)
	}

	SortShifts(all)

	meta := &structs.QueryMeta{Total: len(all)}

	perPage := structs.MaxPageSize
	var token string
	if opts != nil {
		if opts.PerPage > 0 && int(opts.PerPage) < perPage {
			perPage = int(opts.PerPage)
		}
		token = opts.NextToken
	}

	// The token is the id of the first shift of the requested page in
	// the sorted order. An unknown token yields the first page.
	start := 0
	if token != "" {
		for i, shift := range all {
			if shift.ID == token {
				start = i
				break
			}
		}
	}

	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	if end < len(all) {
		meta.NextToken = all[end].ID
	}
	return page, meta, nil
}

// SortShifts orders shifts deterministically: priority desc, scheduled
// date asc, id asc.
func SortShifts(shifts []*structs.OpenShift) {
	sort.SliceStable(shifts, func(i, j int) bool {
		a, b := shifts[i], shifts[j]
		if ar, br := a.Priority.Rank(), b.Priority.Rank(); ar != br {
			return ar > br
		}
		if !a.ScheduledDate.Equal(b.ScheduledDate) {
			return a.ScheduledDate.Before(b.ScheduledDate)
		}
		return a.ID < b.ID
	})
}

// UpdateShiftStatus transitions a shift with an optimistic-concurrency
// check. assignedCaregiverID is recorded only on the ASSIGNED transition.
func (s *StateStore) UpdateShiftStatus(id string, expectedVersion uint64, status structs.ShiftStatus, assignedCaregiverID string) (*structs.OpenShift, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	updated, err := updateShiftStatusTxn(txn, id, expectedVersion, status, assignedCaregiverID)
	if err != nil {
		return nil, err
	}
	if err := updateIndexTxn(txn, TableShifts, index); err != nil {
		return nil, err
	}
	txn.Commit()
	return updated, nil
}

func updateShiftStatusTxn(txn *memdb.Txn, id string, expectedVersion uint64, status structs.ShiftStatus, assignedCaregiverID string) (*structs.OpenShift, error) {
	existing, err := shiftByIDTxn(txn, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && existing.Version != expectedVersion {
		return nil, structs.NewStaleVersionError("shift", id, expectedVersion, existing.Version)
	}

	updated := existing.Copy()
	updated.Status = status
	if status == structs.ShiftStatusAssigned {
		updated.AssignedCaregiverID = assignedCaregiverID
	}
	updated.Version++
	updated.ModifyTime = time.Now().UTC()

	if err := txn.Insert(TableShifts, updated); err != nil {
		return nil, fmt.Errorf("shift update failed: %v", err)
	}
	return updated, nil
}

// MarkShiftForReview flags a shift after a fatal invariant violation.
func (s *StateStore) MarkShiftForReview(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existing, err := shiftByIDTxn(txn, id)
	if err != nil {
		return err
	}
	updated := existing.Copy()
	updated.NeedsOperatorReview = true
	updated.Version++
	updated.ModifyTime = time.Now().UTC()

	if err := txn.Insert(TableShifts, updated); err != nil {
		return fmt.Errorf("shift update failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableShifts, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// DeleteShift removes a shift and withdraws all of its non-terminal
// proposals in the same transaction, preserving the ownership cascade.
func (s *StateStore) DeleteShift(id string, expectedVersion uint64, now time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existing, err := shiftByIDTxn(txn, id)
	if err != nil {
		return err
	}
	if expectedVersion != 0 && existing.Version != expectedVersion {
		return structs.NewStaleVersionError("shift", id, expectedVersion, existing.Version)
	}

	if _, err := withdrawProposalsTxn(txn, id, now); err != nil {
		return err
	}

	if err := txn.Delete(TableShifts, existing); err != nil {
		return fmt.Errorf("shift delete failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableShifts, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}
