// Package storetest provides a SQLite-backed store.DB for tests.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/claimsink/claim"
	"go.gazette.dev/claimsink/store"
)

// NewDB returns a store.DB of a temporary SQLite database having tables for
// every claim.Family. The DB is closed with the test.
//
// Transactions BEGIN IMMEDIATE and wait on a busy database, so that
// concurrent writers serialize rather than fail.
func NewDB(t testing.TB) *store.DB {
	var path = filepath.Join(t.TempDir(), "claims.db")

	var db, err = store.Open(context.Background(), store.Config{
		Dialect: store.SQLite,
		DSN:     fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=30000&_journal_mode=WAL", path),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	var tables []string
	for _, f := range claim.Families() {
		tables = append(tables, f.Table)
	}
	require.NoError(t, db.EnsureSchema(context.Background(), tables...))

	return db
}

// NewSession returns a store.Session of the DB. The caller must Close it.
func NewSession(t testing.TB, db *store.DB) *store.Session {
	var s, err = db.NewSession(context.Background())
	require.NoError(t, err)
	return s
}
