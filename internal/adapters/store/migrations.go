package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// sqliteMigrations is the ordered list of SQLite schema migrations.
// Each migration's version must be sequential starting from 1.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	version  INTEGER NOT NULL,
	document TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS emails (
	id       TEXT PRIMARY KEY,
	sender   TEXT NOT NULL,
	subject  TEXT NOT NULL DEFAULT '',
	body     TEXT NOT NULL DEFAULT '',
	snippet  TEXT NOT NULL DEFAULT '',
	date     INTEGER NOT NULL,
	headers  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS mailbox_states (
	email_id   TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	revision   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS outbound_messages (
	id          TEXT PRIMARY KEY,
	email_id    TEXT NOT NULL,
	recipient   TEXT NOT NULL,
	subject     TEXT NOT NULL,
	body        TEXT NOT NULL,
	in_reply_to TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	queued_at   INTEGER NOT NULL,
	sent_at     INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_messages(status, queued_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS source_cursors (
	source     TEXT PRIMARY KEY,
	validity   INTEGER NOT NULL,
	last_uid   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}

// postgresSchema creates the PostgreSQL tables; statements are idempotent.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS preferences (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	version  BIGINT NOT NULL,
	document JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS emails (
	id       TEXT PRIMARY KEY,
	sender   TEXT NOT NULL,
	subject  TEXT NOT NULL DEFAULT '',
	body     TEXT NOT NULL DEFAULT '',
	snippet  TEXT NOT NULL DEFAULT '',
	date     TIMESTAMPTZ NOT NULL,
	headers  JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS mailbox_states (
	email_id   TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	revision   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS outbound_messages (
	id          UUID PRIMARY KEY,
	email_id    TEXT NOT NULL,
	recipient   TEXT NOT NULL,
	subject     TEXT NOT NULL,
	body        TEXT NOT NULL,
	in_reply_to TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	queued_at   TIMESTAMPTZ NOT NULL,
	sent_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS source_cursors (
	source     TEXT PRIMARY KEY,
	validity   BIGINT NOT NULL,
	last_uid   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);
CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_messages(status, queued_at);
`
