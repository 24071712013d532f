package ledger

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must be ordered by version, starting at 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_emails (
	uid         TEXT PRIMARY KEY,
	subject     TEXT,
	sender      TEXT,
	recipient   TEXT,
	date        TEXT,
	body        TEXT,
	attachments TEXT
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE processed_emails ADD COLUMN recorded_at TEXT;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
