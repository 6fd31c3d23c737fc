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

func writeBulkRequest(tx *sql.Tx, req *structs.BulkMatchRequest) error {
	doc, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bulk request encoding failed: %v", err)
	}
	_, err = tx.Exec(`
		INSERT INTO bulk_requests (id, org_id, status, submitted_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, version = EXCLUDED.version, doc = EXCLUDED.doc`,
		req.ID, req.OrganizationID, req.Status, req.SubmittedAt, req.Version, doc)
	if err != nil {
		return fmt.Errorf("bulk request write failed: %v: %w", err, structs.ErrTransient)
	}
	return nil
}

// CreateBulkRequest stores a newly submitted bulk matching request in
// PENDING state.
func (s *Store) CreateBulkRequest(req *structs.BulkMatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return s.withTxn(func(tx *sql.Tx) error {
		_, err := docByID[structs.BulkMatchRequest](tx,
			`SELECT doc FROM bulk_requests WHERE id = $1`, "bulk request", req.ID)
		if err == nil {
			return fmt.Errorf("bulk request %s already exists: %w", req.ID, structs.ErrConflict)
		}
		if !structs.IsNotFound(err) {
			return err
		}

		req = req.Copy()
		now := time.Now().UTC()
		req.Status = structs.BulkMatchStatusPending
		req.CreateTime = now
		req.ModifyTime = now
		req.Version = 1
		return writeBulkRequest(tx, req)
	})
}

// BulkRequestByID returns one bulk request or ErrNotFound.
func (s *Store) BulkRequestByID(id string) (*structs.BulkMatchRequest, error) {
	return docByID[structs.BulkMatchRequest](s.db,
		`SELECT doc FROM bulk_requests WHERE id = $1`, "bulk request", id)
}

// BulkRequestsByOrg returns an organization's bulk requests, newest
// first.
func (s *Store) BulkRequestsByOrg(orgID string) ([]*structs.BulkMatchRequest, error) {
	return docsWhere[structs.BulkMatchRequest](s.db,
		`SELECT doc FROM bulk_requests WHERE org_id = $1 ORDER BY submitted_at DESC, id`,
		"bulk request", orgID)
}

// UpdateBulkRequest applies a mutation to a bulk request under a row
// lock. The runner uses this to flip status and record progress counters.
func (s *Store) UpdateBulkRequest(id string, fn func(*structs.BulkMatchRequest) error) (*structs.BulkMatchRequest, error) {
	var updated *structs.BulkMatchRequest
	err := s.withTxn(func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRow(
			`SELECT doc FROM bulk_requests WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return structs.NewNotFoundError("bulk request", id)
		}
		if err != nil {
			return fmt.Errorf("bulk request lookup failed: %v: %w", err, structs.ErrTransient)
		}
		existing, err := decodeDoc[structs.BulkMatchRequest](raw, "bulk request")
		if err != nil {
			return err
		}
		if existing.Status.Terminal() {
			return fmt.Errorf("bulk request %s is %s: %w", id, existing.Status, structs.ErrConflict)
		}

		updated = existing.Copy()
		if err := fn(updated); err != nil {
			return err
		}
		updated.Version = existing.Version + 1
		updated.ModifyTime = time.Now().UTC()
		return writeBulkRequest(tx, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AppendHistory appends match-history rows outside of a proposal
// transaction; the bulk runner uses it for NO_MATCH records.
func (s *Store) AppendHistory(rows []*structs.MatchHistory) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTxn(func(tx *sql.Tx) error {
		return appendHistoryTx(tx, rows)
	})
}

// HistoryByShift returns the append-only attempt log for a shift, oldest
// first.
func (s *Store) HistoryByShift(shiftID string) ([]*structs.MatchHistory, error) {
	return docsWhere[structs.MatchHistory](s.db,
		`SELECT doc FROM match_history WHERE shift_id = $1 ORDER BY create_time, id`,
		"match history", shiftID)
}

// HistoryInRange returns an organization's history rows created within
// [from, to), oldest first; the KPI aggregator consumes this.
func (s *Store) HistoryInRange(orgID string, from, to time.Time) ([]*structs.MatchHistory, error) {
	return docsWhere[structs.MatchHistory](s.db,
		`SELECT doc FROM match_history
		 WHERE org_id = $1 AND create_time >= $2 AND create_time < $3
		 ORDER BY create_time, id`,
		"match history", orgID, from, to)
}
