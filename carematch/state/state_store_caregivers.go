// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/carematch/carematch/carematch/structs"
)

// UpsertCaregiver inserts or replaces a caregiver read-model row.
func (s *StateStore) UpsertCaregiver(c *structs.Caregiver) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existingRaw, err := txn.First(TableCaregivers, indexID, c.ID)
	if err != nil {
		return fmt.Errorf("caregiver lookup failed: %v", err)
	}

	c = c.Copy()
	now := time.Now().UTC()
	if existingRaw != nil {
		existing := existingRaw.(*structs.Caregiver)
		c.CreateTime = existing.CreateTime
		c.Version = existing.Version + 1
	} else {
		c.CreateTime = now
		c.Version = 1
	}
	c.ModifyTime = now

	if err := txn.Insert(TableCaregivers, c); err != nil {
		return fmt.Errorf("caregiver insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableCaregivers, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// CaregiverByID returns one caregiver or ErrNotFound.
func (s *StateStore) CaregiverByID(id string) (*structs.Caregiver, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableCaregivers, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("caregiver lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("caregiver", id)
	}
	return raw.(*structs.Caregiver), nil
}

// CandidatesForShift returns caregivers passing the coarse filters: same
// organization, active, ACTIVE employment, branch overlap. Ordering is by
// caregiver id for determinism; scoring happens downstream.
func (s *StateStore) CandidatesForShift(shift *structs.OpenShift) ([]*structs.Caregiver, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableCaregivers, indexOrg, shift.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup failed: %v", err)
	}

	var out []*structs.Caregiver
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		c := raw.(*structs.Caregiver)
		if !c.Schedulable(shift) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertVisit inserts or replaces a committed visit row.
func (s *StateStore) UpsertVisit(v *structs.ScheduledVisit) error {
	if err := v.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	v = v.Copy()
	now := time.Now().UTC()
	existingRaw, err := txn.First(TableVisits, indexID, v.ID)
	if err != nil {
		return fmt.Errorf("visit lookup failed: %v", err)
	}
	if existingRaw != nil {
		existing := existingRaw.(*structs.ScheduledVisit)
		v.CreateTime = existing.CreateTime
		v.Version = existing.Version + 1
	} else {
		v.CreateTime = now
		v.Version = 1
	}
	v.ModifyTime = now

	if err := txn.Insert(TableVisits, v); err != nil {
		return fmt.Errorf("visit insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableVisits, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// CaregiverContext assembles everything the scoring kernel needs about
// one caregiver relative to one shift: committed minutes in the shift's
// week, conflicting visits within the travel buffer, history with the
// client, and recent rejection counts from match history.
func (s *StateStore) CaregiverContext(caregiverID string, shift *structs.OpenShift, now time.Time) (*structs.CaregiverContext, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableCaregivers, indexID, caregiverID)
	if err != nil {
		return nil, fmt.Errorf("caregiver lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("caregiver", caregiverID)
	}
	caregiver := raw.(*structs.Caregiver)

	visitsIter, err := txn.Get(TableVisits, indexCaregiver, caregiverID)
	if err != nil {
		return nil, fmt.Errorf("visit lookup failed: %v", err)
	}
	var visits []*structs.ScheduledVisit
	for rawVisit := visitsIter.Next(); rawVisit != nil; rawVisit = visitsIter.Next() {
		visits = append(visits, rawVisit.(*structs.ScheduledVisit))
	}

	historyIter, err := txn.Get(TableHistory, indexCaregiver, caregiverID)
	if err != nil {
		return nil, fmt.Errorf("history lookup failed: %v", err)
	}
	var history []*structs.MatchHistory
	for rawRow := historyIter.Next(); rawRow != nil; rawRow = historyIter.Next() {
		history = append(history, rawRow.(*structs.MatchHistory))
	}

	// Client-wide visit count for the feature vector.
	clientVisits, err := txn.Get(TableVisits, indexClient, shift.ClientID)
	if err != nil {
		return nil, fmt.Errorf("visit lookup failed: %v", err)
	}
	var clientCompleted int
	for rawVisit := clientVisits.Next(); rawVisit != nil; rawVisit = clientVisits.Next() {
		if rawVisit.(*structs.ScheduledVisit).Status == structs.VisitStatusCompleted {
			clientCompleted++
		}
	}

	return BuildCaregiverContext(caregiver, shift, visits, history, clientCompleted, now), nil
}
