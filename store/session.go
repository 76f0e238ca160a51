package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// Session is a single store connection, owned by one writer. It's not safe
// for concurrent use.
type Session struct {
	conn *sql.Conn
}

// Begin a transaction of the Session.
func (s *Session) Begin(ctx context.Context) (*Tx, error) {
	var txn, err = s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "begin")
	}
	return &Tx{ctx: ctx, txn: txn}, nil
}

// MaxSequenceNumber returns the largest sequence number persisted to |table|.
// It returns false if |table| has no rows.
func (s *Session) MaxSequenceNumber(ctx context.Context, table string) (uint64, bool, error) {
	var seq sql.NullInt64

	if err := s.conn.QueryRowContext(ctx, fmt.Sprintf(selectMaxSequenceNumber, table)).Scan(&seq); err != nil {
		return 0, false, errors.WithMessagef(err, "querying max sequence number of %s", table)
	}
	return uint64(seq.Int64), seq.Valid, nil
}

// ReadProgress returns the persisted progress of |claimType|.
// It returns false if no progress has been persisted.
func (s *Session) ReadProgress(ctx context.Context, claimType string) (uint64, bool, error) {
	var seq int64

	var err = s.conn.QueryRowContext(ctx, selectProgress, claimType).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, errors.WithMessagef(err, "reading progress of %s", claimType)
	}
	return uint64(seq), true, nil
}

// WriteProgress persists |seq| as the latest sequence number of |claimType|.
// It's a no-op if a larger sequence number is already persisted.
func (s *Session) WriteProgress(ctx context.Context, claimType string, seq uint64) error {
	if _, err := s.conn.ExecContext(ctx, upsertProgress, claimType, int64(seq)); err != nil {
		return errors.WithMessagef(err, "writing progress of %s", claimType)
	}
	return nil
}

// Close returns the Session's connection to its DB.
func (s *Session) Close() error { return s.conn.Close() }

// Tx is a transaction of a Session.
type Tx struct {
	ctx context.Context
	txn *sql.Tx
}

// Insert |row| as a new row of |table|. If the row already exists,
// the store fails the statement with a duplicate key error.
func (t *Tx) Insert(table string, row Row) error {
	return t.exec(insertClaim, table, row)
}

// Upsert |row| into |table|, replacing any existing row having its claim ID.
func (t *Tx) Upsert(table string, row Row) error {
	return t.exec(upsertClaim, table, row)
}

// Commit the Tx.
func (t *Tx) Commit() error { return t.txn.Commit() }

// Rollback the Tx.
func (t *Tx) Rollback() error { return t.txn.Rollback() }

func (t *Tx) exec(stmt, table string, row Row) error {
	var _, err = t.txn.ExecContext(t.ctx, fmt.Sprintf(stmt, table),
		row.ClaimID, int64(row.SequenceNumber), row.APISource, row.LastUpdated, row.Claim)
	return err
}
