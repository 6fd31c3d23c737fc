// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package pgstore is the PostgreSQL store backend. It keeps the same
// semantics as the in-memory store: entities are stored as JSONB
// documents alongside the key columns the hot queries filter on, and
// every multi-row invariant runs in a serializable transaction.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-hclog"
	"github.com/lib/pq"

	"github.com/carematch/carematch/carematch/state"
	"github.com/carematch/carematch/carematch/structs"
)

// Store implements the engine's persistence interface on PostgreSQL.
type Store struct {
	logger hclog.Logger
	db     *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can
// run inside or outside a transaction.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}

// Open connects, verifies the connection, and applies the schema.
func Open(logger hclog.Logger, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open failed: %v: %w", err, structs.ErrTransient)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	err = retry.Do(
		db.Ping,
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %v: %w", err, structs.ErrTransient)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema apply failed: %v: %w", err, structs.ErrTransient)
	}

	return &Store{logger: logger.Named("pgstore"), db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTxn runs fn in a serializable transaction, retrying serialization
// and deadlock failures a bounded number of times.
func (s *Store) withTxn(fn func(tx *sql.Tx) error) error {
	return retry.Do(
		func() error {
			tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{
				Isolation: sql.LevelSerializable,
			})
			if err != nil {
				return fmt.Errorf("begin failed: %v: %w", err, structs.ErrTransient)
			}
			if err := fn(tx); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit failed: %v: %w", err, structs.ErrTransient)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableTxnError),
	)
}

// retryableTxnError matches serialization failures and deadlocks, the
// two error classes a serializable retry loop is allowed to absorb.
func retryableTxnError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func decodeDoc[T any](raw []byte, kind string) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%s document corrupt: %v: %w", kind, err, structs.ErrFatal)
	}
	return out, nil
}

// docByID fetches a single JSONB document by the query's first column.
func docByID[T any](q querier, query, kind, id string) (*T, error) {
	var raw []byte
	err := q.QueryRow(query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewNotFoundError(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s lookup failed: %v: %w", kind, err, structs.ErrTransient)
	}
	return decodeDoc[T](raw, kind)
}

// docsWhere fetches every matching document.
func docsWhere[T any](q querier, query, kind string, args ...any) ([]*T, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s listing failed: %v: %w", kind, err, structs.ErrTransient)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%s scan failed: %v: %w", kind, err, structs.ErrTransient)
		}
		doc, err := decodeDoc[T](raw, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s listing failed: %v: %w", kind, err, structs.ErrTransient)
	}
	return out, nil
}

// ---- shifts ----

func writeShift(tx *sql.Tx, shift *structs.OpenShift) error {
	doc, err := json.Marshal(shift)
	if err != nil {
		return fmt.Errorf("shift encoding failed: %v", err)
	}
	_, err = tx.Exec(`
		INSERT INTO shifts (id, org_id, branch_id, status, scheduled_date, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET org_id = EXCLUDED.org_id, branch_id = EXCLUDED.branch_id,
		    status = EXCLUDED.status, scheduled_date = EXCLUDED.scheduled_date,
		    version = EXCLUDED.version, doc = EXCLUDED.doc`,
		shift.ID, shift.OrganizationID, shift.BranchID, string(shift.Status),
		shift.ScheduledDate, shift.Version, doc)
	if err != nil {
		return fmt.Errorf("shift write failed: %v: %w", err, structs.ErrTransient)
	}
	return nil
}

func shiftByID(q querier, id string) (*structs.OpenShift, error) {
	return docByID[structs.OpenShift](q,
		`SELECT doc FROM shifts WHERE id = $1`, "shift", id)
}

func shiftByIDForUpdate(tx *sql.Tx, id string) (*structs.OpenShift, error) {
	return docByID[structs.OpenShift](tx,
		`SELECT doc FROM shifts WHERE id = $1 FOR UPDATE`, "shift", id)
}

// UpsertShift inserts or replaces an open shift. New shifts start at
// version 1; replacements must carry the current version and are bumped.
func (s *Store) UpsertShift(shift *structs.OpenShift) error {
	return s.withTxn(func(tx *sql.Tx) error {
		existing, err := shiftByIDForUpdate(tx, shift.ID)
		if err != nil && !structs.IsNotFound(err) {
			return err
		}

		shift = shift.Copy()
		now := time.Now().UTC()
		if existing != nil {
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
		return writeShift(tx, shift)
	})
}

// ShiftByID returns one shift or ErrNotFound.
func (s *Store) ShiftByID(id string) (*structs.OpenShift, error) {
	return shiftByID(s.db, id)
}

// ListShifts returns shifts matching the filter, ordered by priority
// desc, scheduled date asc, id asc, paginated by NextToken over that
// ordering.
func (s *Store) ListShifts(filter *structs.ShiftListFilter, opts *structs.QueryOptions) ([]*structs.OpenShift, *structs.QueryMeta, error) {
	var all []*structs.OpenShift
	var err error
	if filter != nil && filter.OrganizationID != "" {
		all, err = docsWhere[structs.OpenShift](s.db,
			`SELECT doc FROM shifts WHERE org_id = $1`, "shift", filter.OrganizationID)
	} else {
		all, err = docsWhere[structs.OpenShift](s.db,
			`SELECT doc FROM shifts`, "shift")
	}
	if err != nil {
		return nil, nil, err
	}

	matched := all[:0]
	for _, shift := range all {
		if filter != nil && !filter.Match(shift) {
			continue
		}
		matched = append(matched, shift)
	}
	state.SortShifts(matched)

	meta := &structs.QueryMeta{Total: len(matched)}

	perPage := structs.MaxPageSize
	var token string
	if opts != nil {
		if opts.PerPage > 0 && int(opts.PerPage) < perPage {
			perPage = int(opts.PerPage)
		}
		token = opts.NextToken
	}

	start := 0
	if token != "" {
		for i, shift := range matched {
			if shift.ID == token {
				start = i
				break
			}
		}
	}
	end := start + perPage
	if end > len(matched) {
		end = len(matched)
	}
	page := matched[start:end]
	if end < len(matched) {
		meta.NextToken = matched[end].ID
	}
	return page, meta, nil
}

func updateShiftStatusTx(tx *sql.Tx, id string, expectedVersion uint64, status structs.ShiftStatus, assignedCaregiverID string) (*structs.OpenShift, error) {
	existing, err := shiftByIDForUpdate(tx, id)
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
	if err := writeShift(tx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateShiftStatus transitions a shift with an optimistic-concurrency
// check. assignedCaregiverID is recorded only on the ASSIGNED transition.
func (s *Store) UpdateShiftStatus(id string, expectedVersion uint64, status structs.ShiftStatus, assignedCaregiverID string) (*structs.OpenShift, error) {
	var updated *structs.OpenShift
	err := s.withTxn(func(tx *sql.Tx) error {
		var err error
		updated, err = updateShiftStatusTx(tx, id, expectedVersion, status, assignedCaregiverID)
		return err
	})
	return updated, err
}

// MarkShiftForReview flags a shift after a fatal invariant violation.
func (s *Store) MarkShiftForReview(id string) error {
	return s.withTxn(func(tx *sql.Tx) error {
		existing, err := shiftByIDForUpdate(tx, id)
		if err != nil {
			return err
		}
		updated := existing.Copy()
		updated.NeedsOperatorReview = true
		updated.Version++
		updated.ModifyTime = time.Now().UTC()
		return writeShift(tx, updated)
	})
}

// DeleteShift removes a shift and withdraws all of its non-terminal
// proposals in the same transaction, preserving the ownership cascade.
func (s *Store) DeleteShift(id string, expectedVersion uint64, now time.Time) error {
	return s.withTxn(func(tx *sql.Tx) error {
		existing, err := shiftByIDForUpdate(tx, id)
		if err != nil {
			return err
		}
		if expectedVersion != 0 && existing.Version != expectedVersion {
			return structs.NewStaleVersionError("shift", id, expectedVersion, existing.Version)
		}
		if _, err := withdrawProposalsTx(tx, id, now); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM shifts WHERE id = $1`, id); err != nil {
			return fmt.Errorf("shift delete failed: %v: %w", err, structs.ErrTransient)
		}
		return nil
	})
}

// ---- caregivers and visits ----

func writeCaregiver(tx *sql.Tx, c *structs.Caregiver) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("caregiver encoding failed: %v", err)
	}
	_, err = tx.Exec(`
		INSERT INTO caregivers (id, org_id, active, version, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET org_id = EXCLUDED.org_id, active = EXCLUDED.active,
		    version = EXCLUDED.version, doc = EXCLUDED.doc`,
		c.ID, c.OrganizationID, c.Active, c.Version, doc)
	if err != nil {
		return fmt.Errorf("caregiver write failed: %v: %w", err, structs.ErrTransient)
	}
	return nil
}

// UpsertCaregiver inserts or replaces a caregiver read-model row.
func (s *Store) UpsertCaregiver(c *structs.Caregiver) error {
	return s.withTxn(func(tx *sql.Tx) error {
		existing, err := docByID[structs.Caregiver](tx,
			`SELECT doc FROM caregivers WHERE id = $1 FOR UPDATE`, "caregiver", c.ID)
		if err != nil && !structs.IsNotFound(err) {
			return err
		}

		c = c.Copy()
		now := time.Now().UTC()
		if existing != nil {
			c.CreateTime = existing.CreateTime
			c.Version = existing.Version + 1
		} else {
			c.CreateTime = now
			c.Version = 1
		}
		c.ModifyTime = now
		return writeCaregiver(tx, c)
	})
}

// CaregiverByID returns one caregiver or ErrNotFound.
func (s *Store) CaregiverByID(id string) (*structs.Caregiver, error) {
	return docByID[structs.Caregiver](s.db,
		`SELECT doc FROM caregivers WHERE id = $1`, "caregiver", id)
}

// CandidatesForShift returns caregivers passing the coarse filters: same
// organization, active, ACTIVE employment, branch overlap. Ordering is by
// caregiver id for determinism; scoring happens downstream.
func (s *Store) CandidatesForShift(shift *structs.OpenShift) ([]*structs.Caregiver, error) {
	all, err := docsWhere[structs.Caregiver](s.db,
		`SELECT doc FROM caregivers WHERE org_id = $1 AND active`, "caregiver",
		shift.OrganizationID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.Schedulable(shift) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func writeVisit(tx *sql.Tx, v *structs.ScheduledVisit) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("visit encoding failed: %v", err)
	}
	_, err = tx.Exec(`
		INSERT INTO visits (id, caregiver_id, client_id, status, start_time, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET caregiver_id = EXCLUDED.caregiver_id, client_id = EXCLUDED.client_id,
		    status = EXCLUDED.status, start_time = EXCLUDED.start_time,
		    version = EXCLUDED.version, doc = EXCLUDED.doc`,
		v.ID, v.CaregiverID, v.ClientID, string(v.Status), v.StartTime, v.Version, doc)
	if err != nil {
		return fmt.Errorf("visit write failed: %v: %w", err, structs.ErrTransient)
	}
	return nil
}

// UpsertVisit inserts or replaces a committed visit row.
func (s *Store) UpsertVisit(v *structs.ScheduledVisit) error {
	if err := v.Validate(); err != nil {
		return err
	}
	return s.withTxn(func(tx *sql.Tx) error {
		existing, err := docByID[structs.ScheduledVisit](tx,
			`SELECT doc FROM visits WHERE id = $1 FOR UPDATE`, "visit", v.ID)
		if err != nil && !structs.IsNotFound(err) {
			return err
		}

		v = v.Copy()
		now := time.Now().UTC()
		if existing != nil {
			v.CreateTime = existing.CreateTime
			v.Version = existing.Version + 1
		} else {
			v.CreateTime = now
			v.Version = 1
		}
		v.ModifyTime = now
		return writeVisit(tx, v)
	})
}

// CaregiverContext assembles the scoring context for one caregiver
// relative to one shift. The derivation itself is shared with the
// in-memory store so the two backends cannot drift.
func (s *Store) CaregiverContext(caregiverID string, shift *structs.OpenShift, now time.Time) (*structs.CaregiverContext, error) {
	caregiver, err := s.CaregiverByID(caregiverID)
	if err != nil {
		return nil, err
	}

	visits, err := docsWhere[structs.ScheduledVisit](s.db,
		`SELECT doc FROM visits WHERE caregiver_id = $1`, "visit", caregiverID)
	if err != nil {
		return nil, err
	}

	history, err := docsWhere[structs.MatchHistory](s.db,
		`SELECT doc FROM match_history WHERE caregiver_id = $1 AND create_time >= $2`,
		"history", caregiverID, now.AddDate(0, 0, -30))
	if err != nil {
		return nil, err
	}

	var clientCompleted int
	err = s.db.QueryRow(
		`SELECT count(*) FROM visits WHERE client_id = $1 AND status = $2`,
		shift.ClientID, string(structs.VisitStatusCompleted)).Scan(&clientCompleted)
	if err != nil {
		return nil, fmt.Errorf("visit count failed: %v: %w", err, structs.ErrTransient)
	}

	return state.BuildCaregiverContext(caregiver, shift, visits, history, clientCompleted, now), nil
}
