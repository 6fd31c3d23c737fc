// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pgstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carematch/carematch/carematch/structs"
)

// UpsertMatchingConfig validates and writes a configuration with the
// optimistic-concurrency check.
func (s *Store) UpsertMatchingConfig(cfg *structs.MatchingConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.withTxn(func(tx *sql.Tx) error {
		existing, err := docByID[structs.MatchingConfiguration](tx,
			`SELECT doc FROM matching_configs WHERE id = $1 FOR UPDATE`, "matching configuration", cfg.ID)
		if err != nil && !structs.IsNotFound(err) {
			return err
		}

		cfg = cfg.Copy()
		now := time.Now().UTC()
		if existing != nil {
			if cfg.Version != existing.Version {
				return structs.NewStaleVersionError("matching configuration", cfg.ID, cfg.Version, existing.Version)
			}
			cfg.CreateTime = existing.CreateTime
			cfg.Version = existing.Version + 1
		} else {
			cfg.CreateTime = now
			cfg.Version = 1
		}
		cfg.ModifyTime = now

		doc, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("configuration encoding failed: %v", err)
		}
		_, err = tx.Exec(`
			INSERT INTO matching_configs (id, org_id, branch_id, version, doc)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET org_id = EXCLUDED.org_id, branch_id = EXCLUDED.branch_id,
			    version = EXCLUDED.version, doc = EXCLUDED.doc`,
			cfg.ID, cfg.OrganizationID, cfg.BranchID, cfg.Version, doc)
		if err != nil {
			return fmt.Errorf("configuration write failed: %v: %w", err, structs.ErrTransient)
		}
		return nil
	})
}

// MatchingConfigByID returns one configuration or ErrNotFound.
func (s *Store) MatchingConfigByID(id string) (*structs.MatchingConfiguration, error) {
	return docByID[structs.MatchingConfiguration](s.db,
		`SELECT doc FROM matching_configs WHERE id = $1`, "matching configuration", id)
}

// MatchingConfigFor resolves the effective configuration: branch
// override, then organization default, then the built-in defaults.
func (s *Store) MatchingConfigFor(orgID, branchID string) (*structs.MatchingConfiguration, error) {
	lookup := func(branch string) (*structs.MatchingConfiguration, error) {
		var raw []byte
		err := s.db.QueryRow(
			`SELECT doc FROM matching_configs WHERE org_id = $1 AND branch_id = $2`,
			orgID, branch).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("configuration lookup failed: %v: %w", err, structs.ErrTransient)
		}
		return decodeDoc[structs.MatchingConfiguration](raw, "matching configuration")
	}

	if branchID != "" {
		if cfg, err := lookup(branchID); err != nil || cfg != nil {
			return cfg, err
		}
	}
	if cfg, err := lookup(""); err != nil || cfg != nil {
		return cfg, err
	}
	return structs.DefaultMatchingConfiguration(orgID), nil
}

// UpsertPreferenceProfile writes a caregiver's preference profile; the
// caregiver must exist.
func (s *Store) UpsertPreferenceProfile(p *structs.CaregiverPreferenceProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.withTxn(func(tx *sql.Tx) error {
		if _, err := docByID[structs.Caregiver](tx,
			`SELECT doc FROM caregivers WHERE id = $1`, "caregiver", p.CaregiverID); err != nil {
			return err
		}

		existing, err := docByID[structs.CaregiverPreferenceProfile](tx,
			`SELECT doc FROM preference_profiles WHERE caregiver_id = $1 FOR UPDATE`,
			"preference profile", p.CaregiverID)
		if err != nil && !structs.IsNotFound(err) {
			return err
		}

		p = p.Copy()
		now := time.Now().UTC()
		if existing != nil {
			p.CreateTime = existing.CreateTime
			p.Version = existing.Version + 1
		} else {
			p.CreateTime = now
			p.Version = 1
		}
		p.ModifyTime = now

		doc, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("profile encoding failed: %v", err)
		}
		_, err = tx.Exec(`
			INSERT INTO preference_profiles (caregiver_id, version, doc)
			VALUES ($1, $2, $3)
			ON CONFLICT (caregiver_id) DO UPDATE
			SET version = EXCLUDED.version, doc = EXCLUDED.doc`,
			p.CaregiverID, p.Version, doc)
		if err != nil {
			return fmt.Errorf("profile write failed: %v: %w", err, structs.ErrTransient)
		}
		return nil
	})
}

// PreferenceProfile returns a caregiver's profile, or nil when none has
// been saved. Absence is not an error.
func (s *Store) PreferenceProfile(caregiverID string) (*structs.CaregiverPreferenceProfile, error) {
	p, err := docByID[structs.CaregiverPreferenceProfile](s.db,
		`SELECT doc FROM preference_profiles WHERE caregiver_id = $1`,
		"preference profile", caregiverID)
	if structs.IsNotFound(err) {
		return nil, nil
	}
	return p, err
}

// ---- experiments and models ----

// UpsertExperiment validates and writes an experiment definition.
func (s *Store) UpsertExperiment(exp *structs.Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	return s.withTxn(func(tx *sql.Tx) error {
		existing, err := docByID[structs.Experiment](tx,
			`SELECT doc FROM experiments WHERE id = $1 FOR UPDATE`, "experiment", exp.ID)
		if err != nil && !structs.IsNotFound(err) {
			return err
		}

		exp = exp.Copy()
		now := time.Now().UTC()
		if existing != nil {
			exp.CreateTime = existing.CreateTime
			exp.Version = existing.Version + 1
		} else {
			exp.CreateTime = now
			exp.Version = 1
		}
		exp.ModifyTime = now

		doc, err := json.Marshal(exp)
		if err != nil {
			return fmt.Errorf("experiment encoding failed: %v", err)
		}
		_, err = tx.Exec(`
			INSERT INTO experiments (id, org_id, active, version, doc)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET org_id = EXCLUDED.org_id, active = EXCLUDED.active,
			    version = EXCLUDED.version, doc = EXCLUDED.doc`,
			exp.ID, exp.OrganizationID, exp.Active, exp.Version, doc)
		if err != nil {
			return fmt.Errorf("experiment write failed: %v: %w", err, structs.ErrTransient)
		}
		return nil
	})
}

// ExperimentByID returns one experiment or ErrNotFound.
func (s *Store) ExperimentByID(id string) (*structs.Experiment, error) {
	return docByID[structs.Experiment](s.db,
		`SELECT doc FROM experiments WHERE id = $1`, "experiment", id)
}

// ActiveExperiment returns the organization's active experiment, or nil
// when none is running. Lowest id wins for determinism when several are
// flagged active.
func (s *Store) ActiveExperiment(orgID string) (*structs.Experiment, error) {
	var raw []byte
	err := s.db.QueryRow(
		`SELECT doc FROM experiments WHERE org_id = $1 AND active ORDER BY id LIMIT 1`,
		orgID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("experiment lookup failed: %v: %w", err, structs.ErrTransient)
	}
	return decodeDoc[structs.Experiment](raw, "experiment")
}

// RecordExperimentAssignment persists a shift's variant assignment
// write-once: a concurrent or earlier assignment wins and is returned.
func (s *Store) RecordExperimentAssignment(a *structs.ExperimentAssignment) (*structs.ExperimentAssignment, error) {
	var recorded *structs.ExperimentAssignment
	err := s.withTxn(func(tx *sql.Tx) error {
		doc, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("assignment encoding failed: %v", err)
		}
		_, err = tx.Exec(`
			INSERT INTO experiment_assignments (experiment_id, shift_id, doc)
			VALUES ($1, $2, $3)
			ON CONFLICT (experiment_id, shift_id) DO NOTHING`,
			a.ExperimentID, a.ShiftID, doc)
		if err != nil {
			return fmt.Errorf("assignment write failed: %v: %w", err, structs.ErrTransient)
		}

		var raw []byte
		err = tx.QueryRow(
			`SELECT doc FROM experiment_assignments WHERE experiment_id = $1 AND shift_id = $2`,
			a.ExperimentID, a.ShiftID).Scan(&raw)
		if err != nil {
			return fmt.Errorf("assignment lookup failed: %v: %w", err, structs.ErrTransient)
		}
		recorded, err = decodeDoc[structs.ExperimentAssignment](raw, "experiment assignment")
		return err
	})
	return recorded, err
}

// UpdateExperimentOutcome attaches outcome fields to an assignment. The
// variant itself is immutable.
func (s *Store) UpdateExperimentOutcome(experimentID, shiftID string, fn func(*structs.ExperimentAssignment)) error {
	return s.withTxn(func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRow(
			`SELECT doc FROM experiment_assignments
			 WHERE experiment_id = $1 AND shift_id = $2 FOR UPDATE`,
			experimentID, shiftID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return structs.NewNotFoundError("experiment assignment", experimentID+"/"+shiftID)
		}
		if err != nil {
			return fmt.Errorf("assignment lookup failed: %v: %w", err, structs.ErrTransient)
		}
		a, err := decodeDoc[structs.ExperimentAssignment](raw, "experiment assignment")
		if err != nil {
			return err
		}

		updated := a.Copy()
		fn(updated)
		updated.Variant = a.Variant

		doc, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("assignment encoding failed: %v", err)
		}
		_, err = tx.Exec(
			`UPDATE experiment_assignments SET doc = $3
			 WHERE experiment_id = $1 AND shift_id = $2`,
			experimentID, shiftID, doc)
		if err != nil {
			return fmt.Errorf("assignment write failed: %v: %w", err, structs.ErrTransient)
		}
		return nil
	})
}

// ExperimentAssignments returns every assignment for an experiment,
// ordered by shift id.
func (s *Store) ExperimentAssignments(experimentID string) ([]*structs.ExperimentAssignment, error) {
	return docsWhere[structs.ExperimentAssignment](s.db,
		`SELECT doc FROM experiment_assignments WHERE experiment_id = $1 ORDER BY shift_id`,
		"experiment assignment", experimentID)
}

// UpsertModelEntry writes a registry row. Activating an entry demotes
// every other active entry for the organization in the same transaction.
func (s *Store) UpsertModelEntry(m *structs.ModelRegistryEntry) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return s.withTxn(func(tx *sql.Tx) error {
		if m.Active {
			siblings, err := docsWhere[structs.ModelRegistryEntry](tx,
				`SELECT doc FROM model_registry
				 WHERE org_id = $1 AND active AND id <> $2 FOR UPDATE`,
				"model registry entry", m.OrganizationID, m.ID)
			if err != nil {
				return err
			}
			for _, sib := range siblings {
				demoted := sib.Copy()
				demoted.Active = false
				demoted.Version++
				demoted.ModifyTime = time.Now().UTC()
				if err := writeModelEntry(tx, demoted); err != nil {
					return err
				}
			}
		}

		existing, err := docByID[structs.ModelRegistryEntry](tx,
			`SELECT doc FROM model_registry WHERE id = $1 FOR UPDATE`, "model registry entry", m.ID)
		if err != nil && !structs.IsNotFound(err) {
			return err
		}

		m = m.Copy()
		now := time.Now().UTC()
		if existing != nil {
			m.CreateTime = existing.CreateTime
			m.Version = existing.Version + 1
		} else {
			m.CreateTime = now
			m.Version = 1
		}
		m.ModifyTime = now
		return writeModelEntry(tx, m)
	})
}

func writeModelEntry(tx *sql.Tx, m *structs.ModelRegistryEntry) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("model entry encoding failed: %v", err)
	}
	_, err = tx.Exec(`
		INSERT INTO model_registry (id, org_id, active, version, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET org_id = EXCLUDED.org_id, active = EXCLUDED.active,
		    version = EXCLUDED.version, doc = EXCLUDED.doc`,
		m.ID, m.OrganizationID, m.Active, m.Version, doc)
	if err != nil {
		return fmt.Errorf("model entry write failed: %v: %w", err, structs.ErrTransient)
	}
	return nil
}

// ModelByID returns one registry entry or ErrNotFound.
func (s *Store) ModelByID(id string) (*structs.ModelRegistryEntry, error) {
	return docByID[structs.ModelRegistryEntry](s.db,
		`SELECT doc FROM model_registry WHERE id = $1`, "model registry entry", id)
}

// ActiveModel returns the organization's active model entry.
func (s *Store) ActiveModel(orgID string) (*structs.ModelRegistryEntry, error) {
	var raw []byte
	err := s.db.QueryRow(
		`SELECT doc FROM model_registry WHERE org_id = $1 AND active ORDER BY id LIMIT 1`,
		orgID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewNotFoundError("active model", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("model lookup failed: %v: %w", err, structs.ErrTransient)
	}
	return decodeDoc[structs.ModelRegistryEntry](raw, "model registry entry")
}
