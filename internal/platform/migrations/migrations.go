// Package migrations applies the relational schema for the durable storage
// backend. Statements are ordered and idempotent so Apply can run on every
// startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		email        TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		github_id    TEXT NOT NULL DEFAULT '',
		microsoft_id TEXT NOT NULL DEFAULT '',
		created_time TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_lower_idx ON accounts (lower(email))`,
	`CREATE TABLE IF NOT EXISTS access_keys (
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		name          TEXT NOT NULL,
		friendly_name TEXT NOT NULL DEFAULT '',
		created_by    TEXT NOT NULL DEFAULT '',
		created_time  TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires       TIMESTAMPTZ,
		is_session    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS apps (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		created_time TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS collaborators (
		app_id     TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		email      TEXT NOT NULL,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		permission TEXT NOT NULL,
		PRIMARY KEY (app_id, email)
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		id           TEXT PRIMARY KEY,
		app_id       TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		key          TEXT NOT NULL UNIQUE,
		created_time TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS packages (
		seq               BIGSERIAL PRIMARY KEY,
		deployment_id     TEXT NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
		label             TEXT NOT NULL,
		app_version       TEXT NOT NULL,
		package_hash      TEXT NOT NULL,
		blob_url          TEXT NOT NULL DEFAULT '',
		manifest_blob_url TEXT NOT NULL DEFAULT '',
		size              BIGINT NOT NULL DEFAULT 0,
		description       TEXT NOT NULL DEFAULT '',
		released_by       TEXT NOT NULL DEFAULT '',
		release_method    TEXT NOT NULL DEFAULT 'Upload',
		rollout           INTEGER,
		is_mandatory      BOOLEAN NOT NULL DEFAULT FALSE,
		is_disabled       BOOLEAN NOT NULL DEFAULT FALSE,
		upload_time       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (deployment_id, label)
	)`,
	`CREATE TABLE IF NOT EXISTS blobs (
		id      TEXT PRIMARY KEY,
		url     TEXT NOT NULL,
		content BYTEA
	)`,
}

// Apply executes all schema statements in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	return nil
}
