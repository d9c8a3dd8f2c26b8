package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Turnstile store (SQLite).
var Migrations = migrate.NewGroup("turnstile")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_turnstile_events",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS turnstile_events (
    id               TEXT PRIMARY KEY,
    dedup_key        TEXT NOT NULL DEFAULT '',
    subscription_id  TEXT NOT NULL DEFAULT '',
    signer_id        TEXT NOT NULL DEFAULT '',
    delegation       TEXT,
    type             TEXT NOT NULL DEFAULT '',
    quantity         INTEGER NOT NULL DEFAULT 0,
    timestamp        TEXT NOT NULL DEFAULT (datetime('now')),
    client_timestamp TEXT NOT NULL DEFAULT (datetime('now')),
    props            TEXT,
    signature        BLOB,
    payload_hash     TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at       TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_turnstile_events_dedup ON turnstile_events (subscription_id, dedup_key);
CREATE INDEX IF NOT EXISTS idx_turnstile_events_sub_time ON turnstile_events (subscription_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_turnstile_events_sub_type ON turnstile_events (subscription_id, type, timestamp);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS turnstile_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_turnstile_organizations",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS turnstile_organizations (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    parent_id  TEXT NOT NULL DEFAULT '',
    mode       TEXT NOT NULL DEFAULT 'strict',
    deleted_at TEXT,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_turnstile_orgs_parent ON turnstile_organizations (parent_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS turnstile_organizations`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_turnstile_quota_rules",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS turnstile_quota_rules (
    id                TEXT PRIMARY KEY,
    owner_org         TEXT NOT NULL DEFAULT '',
    owner_sub         TEXT NOT NULL DEFAULT '',
    event_type        TEXT NOT NULL DEFAULT '',
    quota_limit       INTEGER NOT NULL DEFAULT 0,
    period            TEXT NOT NULL DEFAULT 'monthly',
    overflow          TEXT NOT NULL DEFAULT 'block',
    overage_amount    INTEGER,
    overage_currency  TEXT NOT NULL DEFAULT '',
    throttle_delay_ns INTEGER NOT NULL DEFAULT 0,
    version           INTEGER NOT NULL DEFAULT 1,
    active            INTEGER NOT NULL DEFAULT 1,
    created_at        TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at        TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_turnstile_rules_org ON turnstile_quota_rules (owner_org, event_type, active);
CREATE INDEX IF NOT EXISTS idx_turnstile_rules_sub ON turnstile_quota_rules (owner_sub, event_type, active);
CREATE INDEX IF NOT EXISTS idx_turnstile_rules_active ON turnstile_quota_rules (active);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS turnstile_quota_rules`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_turnstile_subscriptions",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS turnstile_subscriptions (
    id              TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL DEFAULT '',
    owner_identity  TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'active',
    started_at      TEXT NOT NULL DEFAULT (datetime('now')),
    canceled_at     TEXT,
    ended_at        TEXT,
    metadata        TEXT NOT NULL DEFAULT '{}',
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_turnstile_subs_org ON turnstile_subscriptions (organization_id, status);
CREATE INDEX IF NOT EXISTS idx_turnstile_subs_owner ON turnstile_subscriptions (owner_identity);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS turnstile_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_turnstile_rollup_buckets",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS turnstile_rollup_buckets (
    subscription_id TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    bucket_start    INTEGER NOT NULL,
    count           INTEGER NOT NULL DEFAULT 0,
    sum             INTEGER NOT NULL DEFAULT 0,
    max             INTEGER NOT NULL DEFAULT 0,
    unique_state    BLOB,
    updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (subscription_id, event_type, bucket_start)
);

CREATE INDEX IF NOT EXISTS idx_turnstile_buckets_range ON turnstile_rollup_buckets (subscription_id, event_type, bucket_start);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS turnstile_rollup_buckets`)
				return err
			},
		},
	)
}
