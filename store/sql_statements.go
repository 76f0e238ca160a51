package store

// ProgressTable is the table of per-family persisted resume positions.
const ProgressTable = "claimsink_progress"

// Statements are formatted with a table name, and use "$N" placeholders, which
// are understood by both github.com/lib/pq and github.com/mattn/go-sqlite3.
// Upserts require SQLite >= 3.24 or PostgreSQL >= 9.5.
const (
	createClaimTable = `
CREATE TABLE IF NOT EXISTS %s (
	claim_id        TEXT   PRIMARY KEY NOT NULL,
	sequence_number BIGINT NOT NULL,
	api_source      TEXT   NOT NULL,
	last_updated    BIGINT NOT NULL,
	claim           TEXT   NOT NULL
);`

	createProgressTable = `
CREATE TABLE IF NOT EXISTS ` + ProgressTable + ` (
	claim_type      TEXT   PRIMARY KEY NOT NULL,
	sequence_number BIGINT NOT NULL
);`

	insertClaim = `
INSERT INTO %s (claim_id, sequence_number, api_source, last_updated, claim)
	VALUES ($1, $2, $3, $4, $5);`

	upsertClaim = `
INSERT INTO %s (claim_id, sequence_number, api_source, last_updated, claim)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (claim_id) DO UPDATE SET
		sequence_number = excluded.sequence_number,
		api_source      = excluded.api_source,
		last_updated    = excluded.last_updated,
		claim           = excluded.claim;`

	selectMaxSequenceNumber = `SELECT MAX(sequence_number) FROM %s;`

	selectClaims = `
SELECT claim_id, sequence_number, api_source, last_updated, claim
	FROM %s ORDER BY claim_id;`

	// The progress of a family never moves backwards.
	upsertProgress = `
INSERT INTO ` + ProgressTable + ` (claim_type, sequence_number) VALUES ($1, $2)
	ON CONFLICT (claim_type) DO UPDATE SET sequence_number = excluded.sequence_number
	WHERE ` + ProgressTable + `.sequence_number < excluded.sequence_number;`

	selectProgress = `SELECT sequence_number FROM ` + ProgressTable + ` WHERE claim_type = $1;`

	selectAllProgress = `SELECT claim_type, sequence_number FROM ` + ProgressTable + ` ORDER BY claim_type;`
)
