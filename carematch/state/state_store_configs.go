// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/carematch/carematch/carematch/structs"
)

// UpsertMatchingConfig inserts or replaces a matching configuration with
// a stale-version check on replace.
func (s *StateStore) UpsertMatchingConfig(cfg *structs.MatchingConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existingRaw, err := txn.First(TableConfigs, indexID, cfg.ID)
	if err != nil {
		return fmt.Errorf("config lookup failed: %v", err)
	}

	cfg = cfg.Copy()
	now := time.Now().UTC()
	if existingRaw != nil {
		existing := existingRaw.(*structs.MatchingConfiguration)
		if cfg.Version != existing.Version {
			return structs.NewStaleVersionError("config", cfg.ID, cfg.Version, existing.Version)
		}
		cfg.CreateTime = existing.CreateTime
		cfg.Version = existing.Version + 1
	} else {
		cfg.CreateTime = now
		cfg.Version = 1
	}
	cfg.ModifyTime = now

	if err := txn.Insert(TableConfigs, cfg); err != nil {
		return fmt.Errorf("config insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableConfigs, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// MatchingConfigByID returns one configuration or ErrNotFound.
func (s *StateStore) MatchingConfigByID(id string) (*structs.MatchingConfiguration, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableConfigs, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("config lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("config", id)
	}
	return raw.(*structs.MatchingConfiguration), nil
}

// MatchingConfigFor resolves the effective configuration for an
// organization and branch: the branch override when one exists, the
// organization default otherwise, and built-in defaults when neither is
// stored.
func (s *StateStore) MatchingConfigFor(orgID, branchID string) (*structs.MatchingConfiguration, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	if branchID != "" {
		raw, err := txn.First(TableConfigs, indexOrgBranch, orgID, branchID)
		if err != nil {
			return nil, fmt.Errorf("config lookup failed: %v", err)
		}
		if raw != nil {
			return raw.(*structs.MatchingConfiguration), nil
		}
	}

	raw, err := txn.First(TableConfigs, indexOrgBranch, orgID, "")
	if err != nil {
		return nil, fmt.Errorf("config lookup failed: %v", err)
	}
	if raw != nil {
		return raw.(*structs.MatchingConfiguration), nil
	}

	return structs.DefaultMatchingConfiguration(orgID), nil
}

// UpsertPreferenceProfile inserts or replaces a caregiver preference
// profile. The caregiver must exist.
func (s *StateStore) UpsertPreferenceProfile(p *structs.CaregiverPreferenceProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	cgRaw, err := txn.First(TableCaregivers, indexID, p.CaregiverID)
	if err != nil {
		return fmt.Errorf("caregiver lookup failed: %v", err)
	}
	if cgRaw == nil {
		return structs.NewNotFoundError("caregiver", p.CaregiverID)
	}

	existingRaw, err := txn.First(TablePreferences, indexID, p.CaregiverID)
	if err != nil {
		return fmt.Errorf("preference lookup failed: %v", err)
	}

	p = p.Copy()
	now := time.Now().UTC()
	if existingRaw != nil {
		existing := existingRaw.(*structs.CaregiverPreferenceProfile)
		p.CreateTime = existing.CreateTime
		p.Version = existing.Version + 1
	} else {
		p.CreateTime = now
		p.Version = 1
	}
	p.ModifyTime = now

	if err := txn.Insert(TablePreferences, p); err != nil {
		return fmt.Errorf("preference insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TablePreferences, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// PreferenceProfile returns the caregiver's profile, or nil when none has
// been stored. Absence is not an error; scoring treats it as neutral.
func (s *StateStore) PreferenceProfile(caregiverID string) (*structs.CaregiverPreferenceProfile, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TablePreferences, indexID, caregiverID)
	if err != nil {
		return nil, fmt.Errorf("preference lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.CaregiverPreferenceProfile), nil
}

// UpsertExperiment inserts or replaces an experiment definition.
func (s *StateStore) UpsertExperiment(exp *structs.Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	existingRaw, err := txn.First(TableExperiments, indexID, exp.ID)
	if err != nil {
		return fmt.Errorf("experiment lookup failed: %v", err)
	}

	exp = exp.Copy()
	now := time.Now().UTC()
	if existingRaw != nil {
		existing := existingRaw.(*structs.Experiment)
		exp.CreateTime = existing.CreateTime
		exp.Version = existing.Version + 1
	} else {
		exp.CreateTime = now
		exp.Version = 1
	}
	exp.ModifyTime = now

	if err := txn.Insert(TableExperiments, exp); err != nil {
		return fmt.Errorf("experiment insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableExperiments, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ExperimentByID returns one experiment or ErrNotFound.
func (s *StateStore) ExperimentByID(id string) (*structs.Experiment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableExperiments, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("experiment lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("experiment", id)
	}
	return raw.(*structs.Experiment), nil
}

// ActiveExperiment returns the active experiment for an organization, or
// nil when none is running. At most one experiment per organization may
// be active; when data violates that the lowest id wins, keeping variant
// assignment deterministic.
func (s *StateStore) ActiveExperiment(orgID string) (*structs.Experiment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableExperiments, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("experiment lookup failed: %v", err)
	}
	var active *structs.Experiment
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		exp := raw.(*structs.Experiment)
		if !exp.Active {
			continue
		}
		if active == nil || exp.ID < active.ID {
			active = exp
		}
	}
	return active, nil
}

// RecordExperimentAssignment stores the variant assigned to a shift.
// Write-once: an existing assignment for the same (experiment, shift)
// pair is returned unchanged, so retries and re-evaluations of the same
// shift stay in their original variant.
func (s *StateStore) RecordExperimentAssignment(a *structs.ExperimentAssignment) (*structs.ExperimentAssignment, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	raw, err := txn.First(TableExperimentAssignments, indexID, a.ExperimentID, a.ShiftID)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	if raw != nil {
		return raw.(*structs.ExperimentAssignment), nil
	}

	a = a.Copy()
	if err := txn.Insert(TableExperimentAssignments, a); err != nil {
		return nil, fmt.Errorf("assignment insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableExperimentAssignments, index); err != nil {
		return nil, err
	}
	txn.Commit()
	return a, nil
}

// UpdateExperimentOutcome fills in outcome fields on an existing
// assignment. The variant itself is immutable.
func (s *StateStore) UpdateExperimentOutcome(experimentID, shiftID string, fn func(*structs.ExperimentAssignment)) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	raw, err := txn.First(TableExperimentAssignments, indexID, experimentID, shiftID)
	if err != nil {
		return fmt.Errorf("assignment lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewNotFoundError("experiment assignment", experimentID+"/"+shiftID)
	}

	updated := raw.(*structs.ExperimentAssignment).Copy()
	variant := updated.Variant
	fn(updated)
	updated.Variant = variant

	if err := txn.Insert(TableExperimentAssignments, updated); err != nil {
		return fmt.Errorf("assignment update failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableExperimentAssignments, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ExperimentAssignments returns every assignment for an experiment,
// ordered by shift id.
func (s *StateStore) ExperimentAssignments(experimentID string) ([]*structs.ExperimentAssignment, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableExperimentAssignments, indexExperiment, experimentID)
	if err != nil {
		return nil, fmt.Errorf("assignment lookup failed: %v", err)
	}
	var out []*structs.ExperimentAssignment
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.ExperimentAssignment))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShiftID < out[j].ShiftID })
	return out, nil
}

// UpsertModelEntry inserts or replaces a model registry entry. Marking
// an entry active deactivates every other entry for the organization in
// the same transaction.
func (s *StateStore) UpsertModelEntry(m *structs.ModelRegistryEntry) error {
	if err := m.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	index := s.writeIndex()

	now := time.Now().UTC()
	m = m.Copy()

	existingRaw, err := txn.First(TableModels, indexID, m.ID)
	if err != nil {
		return fmt.Errorf("model lookup failed: %v", err)
	}
	if existingRaw != nil {
		existing := existingRaw.(*structs.ModelRegistryEntry)
		m.CreateTime = existing.CreateTime
		m.Version = existing.Version + 1
	} else {
		m.CreateTime = now
		m.Version = 1
	}
	m.ModifyTime = now

	if m.Active {
		iter, err := txn.Get(TableModels, indexOrg, m.OrganizationID)
		if err != nil {
			return fmt.Errorf("model lookup failed: %v", err)
		}
		var demote []*structs.ModelRegistryEntry
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			entry := raw.(*structs.ModelRegistryEntry)
			if entry.ID != m.ID && entry.Active {
				demote = append(demote, entry)
			}
		}
		for _, entry := range demote {
			down := entry.Copy()
			down.Active = false
			down.Version++
			down.ModifyTime = now
			if err := txn.Insert(TableModels, down); err != nil {
				return fmt.Errorf("model update failed: %v", err)
			}
		}
	}

	if err := txn.Insert(TableModels, m); err != nil {
		return fmt.Errorf("model insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableModels, index); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ModelByID returns one registry entry or ErrNotFound.
func (s *StateStore) ModelByID(id string) (*structs.ModelRegistryEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableModels, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("model lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.NewNotFoundError("model", id)
	}
	return raw.(*structs.ModelRegistryEntry), nil
}

// ActiveModel returns the active registry entry for an organization, or
// ErrNotFound when no model is active.
func (s *StateStore) ActiveModel(orgID string) (*structs.ModelRegistryEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableModels, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("model lookup failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		entry := raw.(*structs.ModelRegistryEntry)
		if entry.Active {
			return entry, nil
		}
	}
	return nil, structs.NewNotFoundError("active model", orgID)
}
