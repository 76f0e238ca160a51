// Package store is the relational store to which claim changes are applied.
// It speaks "database/sql", and supports the PostgreSQL (github.com/lib/pq)
// and SQLite (github.com/mattn/go-sqlite3) dialects.
//
// A DB is shared by a process. Each writer of the process obtains its own
// Session, which pins a single database connection for the writer's
// exclusive use, and through which it begins transactions, queries
// sequence numbers, and persists its resume position.
//
// Sequence numbers are stored as BIGINT, and must not exceed
// claim.SequenceNumberLimit, which claim Transformers enforce.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Dialects of supported SQL drivers.
const (
	SQLite   = "sqlite3"
	Postgres = "postgres"
)

// Config configures a DB.
type Config struct {
	Dialect      string        `long:"dialect" env:"DIALECT" default:"sqlite3" choice:"sqlite3" choice:"postgres" description:"SQL dialect of the store"`
	DSN          string        `long:"dsn" env:"DSN" default:"file:claimsink.db?_txlock=immediate&_busy_timeout=10000&_journal_mode=WAL" description:"Data source name of the store"`
	MaxOpenConns int           `long:"max-open-conns" env:"MAX_OPEN_CONNS" default:"0" description:"Maximum open store connections. Zero is unlimited, and must otherwise exceed the number of sink workers"`
	ConnLifetime time.Duration `long:"conn-lifetime" env:"CONN_LIFETIME" default:"0s" description:"Maximum lifetime of a pooled store connection. Zero is unlimited"`
}

// Validate returns an error if the Config is invalid.
func (c Config) Validate() error {
	if c.Dialect != SQLite && c.Dialect != Postgres {
		return errors.Errorf("unsupported dialect %q", c.Dialect)
	} else if c.DSN == "" {
		return errors.New("expected DSN")
	} else if c.MaxOpenConns < 0 {
		return errors.Errorf("invalid MaxOpenConns (%d; expected >= 0)", c.MaxOpenConns)
	}
	return nil
}

// DB is an opened store.
type DB struct {
	*sql.DB
	dialect string
}

// Open a DB using the Config. Open verifies connectivity before returning.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var sqlDB, err = sql.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, errors.WithMessage(err, "sql.Open")
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnLifetime)

	if err = sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.WithMessage(err, "ping")
	}

	log.WithFields(log.Fields{
		"dialect": cfg.Dialect,
		"driver":  driverVersion(cfg.Dialect),
	}).Info("opened store")

	return &DB{DB: sqlDB, dialect: cfg.Dialect}, nil
}

// Dialect returns the SQL dialect of the DB.
func (db *DB) Dialect() string { return db.dialect }

// EnsureSchema creates the progress table, and a claim table for each of
// |tables|, if they don't already exist.
func (db *DB) EnsureSchema(ctx context.Context, tables ...string) error {
	if _, err := db.ExecContext(ctx, createProgressTable); err != nil {
		return errors.WithMessage(err, "creating progress table")
	}
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(createClaimTable, table)); err != nil {
			return errors.WithMessagef(err, "creating table %s", table)
		}
	}
	return nil
}

// Progress is the persisted resume position of a claim family.
type Progress struct {
	ClaimType      string `yaml:"claim_type"`
	SequenceNumber uint64 `yaml:"sequence_number"`
}

// Progress lists the persisted positions of all claim families.
func (db *DB) Progress(ctx context.Context) ([]Progress, error) {
	var rows, err = db.QueryContext(ctx, selectAllProgress)
	if err != nil {
		return nil, errors.WithMessage(err, "querying progress")
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		var p Progress
		var seq int64

		if err = rows.Scan(&p.ClaimType, &seq); err != nil {
			return nil, err
		}
		p.SequenceNumber = uint64(seq)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Row is the persisted representation of a claim.
type Row struct {
	ClaimID        string
	SequenceNumber uint64
	APISource      string
	LastUpdated    int64 // Unix microseconds.
	Claim          string
}

// Rows returns all rows of |table|, ordered on claim ID.
func (db *DB) Rows(ctx context.Context, table string) ([]Row, error) {
	var rows, err = db.QueryContext(ctx, fmt.Sprintf(selectClaims, table))
	if err != nil {
		return nil, errors.WithMessagef(err, "querying %s", table)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var seq int64

		if err = rows.Scan(&r.ClaimID, &seq, &r.APISource, &r.LastUpdated, &r.Claim); err != nil {
			return nil, err
		}
		r.SequenceNumber = uint64(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// NewSession returns a Session which holds a dedicated connection of the DB.
func (db *DB) NewSession(ctx context.Context) (*Session, error) {
	var conn, err = db.Conn(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "acquiring connection")
	}
	return &Session{conn: conn}, nil
}

func driverVersion(dialect string) string {
	if dialect == SQLite {
		var v, _, _ = sqlite3.Version()
		return "sqlite " + v
	}
	return "lib/pq"
}
