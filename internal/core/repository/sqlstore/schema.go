package sqlstore

import (
	"context"
	"fmt"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS prisons (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS prison_user_mappings (
	username  TEXT NOT NULL,
	prison_id TEXT NOT NULL REFERENCES prisons(id),
	PRIMARY KEY (username, prison_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id                    UUID PRIMARY KEY,
	prison_id             TEXT NOT NULL REFERENCES prisons(id),
	amount                BIGINT NOT NULL CHECK (amount > 0),
	prisoner_number       TEXT NOT NULL DEFAULT '',
	prisoner_name         TEXT NOT NULL DEFAULT '',
	prisoner_dob          DATE,
	sender_name           TEXT NOT NULL DEFAULT '',
	sender_sort_code      TEXT NOT NULL DEFAULT '',
	sender_account_number TEXT NOT NULL DEFAULT '',
	reference             TEXT NOT NULL DEFAULT '',
	received_at           TIMESTAMPTZ NOT NULL,
	owner                 TEXT,
	locked                BOOLEAN NOT NULL DEFAULT FALSE,
	credited              BOOLEAN NOT NULL DEFAULT FALSE,
	refunded              BOOLEAN NOT NULL DEFAULT FALSE,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	CONSTRAINT owner_iff_locked CHECK ((owner IS NULL) = (NOT locked)),
	CONSTRAINT credited_requires_lock CHECK (NOT credited OR locked),
	CONSTRAINT refunded_never_locked CHECK (NOT refunded OR NOT locked)
);

CREATE INDEX IF NOT EXISTS idx_transactions_available
	ON transactions (prison_id, received_at, id)
	WHERE NOT locked AND NOT credited AND NOT refunded;
CREATE INDEX IF NOT EXISTS idx_transactions_owner
	ON transactions (owner) WHERE locked;
CREATE INDEX IF NOT EXISTS idx_transactions_prison_received
	ON transactions (prison_id, received_at);

CREATE TABLE IF NOT EXISTS transaction_logs (
	id             TEXT PRIMARY KEY,
	transaction_id UUID NOT NULL REFERENCES transactions(id),
	username       TEXT NOT NULL,
	action         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transaction_logs_transaction
	ON transaction_logs (transaction_id, created_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS prisons (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS prison_user_mappings (
	username  TEXT NOT NULL,
	prison_id TEXT NOT NULL REFERENCES prisons(id),
	PRIMARY KEY (username, prison_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id                    TEXT PRIMARY KEY,
	prison_id             TEXT NOT NULL REFERENCES prisons(id),
	amount                INTEGER NOT NULL CHECK (amount > 0),
	prisoner_number       TEXT NOT NULL DEFAULT '',
	prisoner_name         TEXT NOT NULL DEFAULT '',
	prisoner_dob          DATE,
	sender_name           TEXT NOT NULL DEFAULT '',
	sender_sort_code      TEXT NOT NULL DEFAULT '',
	sender_account_number TEXT NOT NULL DEFAULT '',
	reference             TEXT NOT NULL DEFAULT '',
	received_at           TIMESTAMP NOT NULL,
	owner                 TEXT,
	locked                BOOLEAN NOT NULL DEFAULT FALSE,
	credited              BOOLEAN NOT NULL DEFAULT FALSE,
	refunded              BOOLEAN NOT NULL DEFAULT FALSE,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL,
	CHECK ((owner IS NULL) = (NOT locked)),
	CHECK (NOT credited OR locked),
	CHECK (NOT refunded OR NOT locked)
);

CREATE INDEX IF NOT EXISTS idx_transactions_available
	ON transactions (prison_id, received_at, id)
	WHERE NOT locked AND NOT credited AND NOT refunded;
CREATE INDEX IF NOT EXISTS idx_transactions_owner
	ON transactions (owner) WHERE locked;
CREATE INDEX IF NOT EXISTS idx_transactions_prison_received
	ON transactions (prison_id, received_at);

CREATE TABLE IF NOT EXISTS transaction_logs (
	id             TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	username       TEXT NOT NULL,
	action         TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transaction_logs_transaction
	ON transaction_logs (transaction_id, created_at);
`

// Migrate creates the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return fmt.Errorf("migrate %s schema: %w", s.dialect.name(), err)
	}
	return nil
}
