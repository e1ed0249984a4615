// Copyright 2026 The Thrall Authors
// SPDX-License-Identifier: Apache-2.0

package store

const schema = `
CREATE TABLE IF NOT EXISTS thrall_journal (
	id                 TEXT PRIMARY KEY,
	ts                 INTEGER NOT NULL,
	pipeline           TEXT NOT NULL,
	session_id         TEXT NOT NULL DEFAULT '',
	sender_prefix      TEXT NOT NULL DEFAULT '',
	envelope_json      TEXT NOT NULL,
	filter_json        TEXT NOT NULL DEFAULT '',
	eval_type          TEXT NOT NULL,
	eval_result_json   TEXT NOT NULL DEFAULT '',
	action_name        TEXT NOT NULL DEFAULT '',
	action_trace_json  TEXT NOT NULL DEFAULT '',
	wall_ms            INTEGER NOT NULL DEFAULT 0,
	mode               TEXT NOT NULL DEFAULT '',
	reviewed           INTEGER NOT NULL DEFAULT -1,
	correction_json    TEXT NOT NULL DEFAULT '',
	ttl_expires        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_pipeline_ts ON thrall_journal(pipeline, ts DESC);
CREATE INDEX IF NOT EXISTS idx_journal_sender_ts ON thrall_journal(sender_prefix, ts DESC);
CREATE INDEX IF NOT EXISTS idx_journal_ttl ON thrall_journal(ttl_expires);

CREATE TABLE IF NOT EXISTS thrall_context (
	session_id  TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, key)
);

CREATE INDEX IF NOT EXISTS idx_context_expires ON thrall_context(expires_at);

CREATE TABLE IF NOT EXISTS thrall_prompts (
	name        TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	content     TEXT NOT NULL,
	model_ref   TEXT NOT NULL DEFAULT '',
	hash        TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	pushed_by   TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);

-- Legacy overlay: the mail-triage pipeline's rows, under their
-- original name (spec.md §3: "legacy view overlay on journal where
-- pipeline = 'mail-triage'").
CREATE VIEW IF NOT EXISTS thrall_classifications AS
	SELECT * FROM thrall_journal WHERE pipeline = 'mail-triage';
`
