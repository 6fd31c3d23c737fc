// Copyright (c) CareMatch, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pgstore

// schemaDDL is applied on Open. Every table stores its entity as a JSONB
// document plus the key columns the hot-path queries filter on; columns
// are duplicated from the document by the writers, never the other way
// around. match_history is range-partitioned on create_time so old
// attempt logs can be detached without touching the live partitions.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS shifts (
    id             text PRIMARY KEY,
    org_id         text NOT NULL,
    branch_id      text NOT NULL DEFAULT '',
    status         text NOT NULL,
    scheduled_date date NOT NULL,
    version        bigint NOT NULL,
    doc            jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS shifts_org_status ON shifts (org_id, status);
CREATE INDEX IF NOT EXISTS shifts_org_date ON shifts (org_id, scheduled_date);

CREATE TABLE IF NOT EXISTS caregivers (
    id      text PRIMARY KEY,
    org_id  text NOT NULL,
    active  boolean NOT NULL,
    version bigint NOT NULL,
    doc     jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS caregivers_org_active ON caregivers (org_id, active);

CREATE TABLE IF NOT EXISTS visits (
    id           text PRIMARY KEY,
    caregiver_id text NOT NULL,
    client_id    text NOT NULL,
    status       text NOT NULL,
    start_time   timestamptz NOT NULL,
    version      bigint NOT NULL,
    doc          jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS visits_caregiver ON visits (caregiver_id, start_time);
CREATE INDEX IF NOT EXISTS visits_client ON visits (client_id, status);

CREATE TABLE IF NOT EXISTS proposals (
    id           text PRIMARY KEY,
    shift_id     text NOT NULL,
    caregiver_id text NOT NULL,
    status       text NOT NULL,
    expires_at   timestamptz NOT NULL,
    version      bigint NOT NULL,
    doc          jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS proposals_shift_status ON proposals (shift_id, status);
CREATE INDEX IF NOT EXISTS proposals_status_expiry ON proposals (status, expires_at);
CREATE INDEX IF NOT EXISTS proposals_caregiver_status ON proposals (caregiver_id, status);

CREATE TABLE IF NOT EXISTS matching_configs (
    id        text PRIMARY KEY,
    org_id    text NOT NULL,
    branch_id text NOT NULL DEFAULT '',
    version   bigint NOT NULL,
    doc       jsonb NOT NULL,
    UNIQUE (org_id, branch_id)
);

CREATE TABLE IF NOT EXISTS preference_profiles (
    caregiver_id text PRIMARY KEY,
    version      bigint NOT NULL,
    doc          jsonb NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
    id      text PRIMARY KEY,
    org_id  text NOT NULL,
    active  boolean NOT NULL,
    version bigint NOT NULL,
    doc     jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS experiments_org_active ON experiments (org_id, active);

CREATE TABLE IF NOT EXISTS experiment_assignments (
    experiment_id text NOT NULL,
    shift_id      text NOT NULL,
    doc           jsonb NOT NULL,
    PRIMARY KEY (experiment_id, shift_id)
);

CREATE TABLE IF NOT EXISTS model_registry (
    id      text PRIMARY KEY,
    org_id  text NOT NULL,
    active  boolean NOT NULL,
    version bigint NOT NULL,
    doc     jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS model_registry_org_active ON model_registry (org_id, active);

CREATE TABLE IF NOT EXISTS bulk_requests (
    id           text PRIMARY KEY,
    org_id       text NOT NULL,
    status       text NOT NULL,
    submitted_at timestamptz NOT NULL,
    version      bigint NOT NULL,
    doc          jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS bulk_requests_org ON bulk_requests (org_id, submitted_at DESC);

CREATE TABLE IF NOT EXISTS match_history (
    id             text NOT NULL,
    shift_id       text NOT NULL,
    caregiver_id   text NOT NULL,
    org_id         text NOT NULL,
    attempt_number int NOT NULL,
    create_time    timestamptz NOT NULL,
    doc            jsonb NOT NULL,
    PRIMARY KEY (id, create_time)
) PARTITION BY RANGE (create_time);
CREATE TABLE IF NOT EXISTS match_history_default
    PARTITION OF match_history DEFAULT;
CREATE INDEX IF NOT EXISTS match_history_shift ON match_history (shift_id);
CREATE INDEX IF NOT EXISTS match_history_org_time ON match_history (org_id, create_time);
CREATE INDEX IF NOT EXISTS match_history_caregiver ON match_history (caregiver_id);
`
