package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/claimsink/store"
	"go.gazette.dev/claimsink/store/storetest"
)

func TestInsertDuplicateThenUpsert(t *testing.T) {
	var (
		ctx  = context.Background()
		db   = storetest.NewDB(t)
		sess = storetest.NewSession(t, db)
		row  = store.Row{ClaimID: "c-1", SequenceNumber: 10, APISource: "v1", LastUpdated: 1000, Claim: `{"a":1}`}
	)
	defer sess.Close()

	var txn, err = sess.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Insert("fiss_claims", row))
	require.NoError(t, txn.Commit())

	// A second insert of the same claim fails with a duplicate key.
	txn, err = sess.Begin(ctx)
	require.NoError(t, err)
	err = txn.Insert("fiss_claims", row)
	require.Error(t, err)
	assert.True(t, store.IsDuplicateKey(err))
	require.NoError(t, txn.Rollback())

	// An upsert replaces it.
	row.SequenceNumber, row.Claim = 11, `{"a":2}`
	txn, err = sess.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Upsert("fiss_claims", row))
	require.NoError(t, txn.Upsert("fiss_claims", store.Row{ClaimID: "c-2", SequenceNumber: 12, APISource: "v1", Claim: "{}"}))
	require.NoError(t, txn.Commit())

	rows, err := db.Rows(ctx, "fiss_claims")
	require.NoError(t, err)
	assert.Equal(t, []store.Row{
		{ClaimID: "c-1", SequenceNumber: 11, APISource: "v1", LastUpdated: 1000, Claim: `{"a":2}`},
		{ClaimID: "c-2", SequenceNumber: 12, APISource: "v1", Claim: "{}"},
	}, rows)
}

func TestRolledBackTxnIsNotVisible(t *testing.T) {
	var (
		ctx  = context.Background()
		db   = storetest.NewDB(t)
		sess = storetest.NewSession(t, db)
	)
	defer sess.Close()

	var txn, err = sess.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Insert("mcs_claims", store.Row{ClaimID: "m-1", SequenceNumber: 1, Claim: "{}"}))
	require.NoError(t, txn.Rollback())

	rows, err := db.Rows(ctx, "mcs_claims")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMaxSequenceNumber(t *testing.T) {
	var (
		ctx  = context.Background()
		db   = storetest.NewDB(t)
		sess = storetest.NewSession(t, db)
	)
	defer sess.Close()

	var seq, ok, err = sess.MaxSequenceNumber(ctx, "fiss_claims")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), seq)

	txn, err := sess.Begin(ctx)
	require.NoError(t, err)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, txn.Insert("fiss_claims", store.Row{ClaimID: id, SequenceNumber: uint64(100 - i), Claim: "{}"}))
	}
	require.NoError(t, txn.Commit())

	seq, ok, err = sess.MaxSequenceNumber(ctx, "fiss_claims")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), seq)
}

func TestProgressNeverRegresses(t *testing.T) {
	var (
		ctx  = context.Background()
		db   = storetest.NewDB(t)
		sess = storetest.NewSession(t, db)
	)
	defer sess.Close()

	var _, ok, err = sess.ReadProgress(ctx, "fiss")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sess.WriteProgress(ctx, "fiss", 50))
	require.NoError(t, sess.WriteProgress(ctx, "fiss", 40))
	require.NoError(t, sess.WriteProgress(ctx, "mcs", 7))

	seq, ok, err := sess.ReadProgress(ctx, "fiss")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(50), seq)

	require.NoError(t, sess.WriteProgress(ctx, "fiss", 60))

	progress, err := db.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Progress{
		{ClaimType: "fiss", SequenceNumber: 60},
		{ClaimType: "mcs", SequenceNumber: 7},
	}, progress)
}

func TestConfigValidation(t *testing.T) {
	assert.EqualError(t, store.Config{Dialect: "oracle", DSN: "x"}.Validate(), `unsupported dialect "oracle"`)
	assert.EqualError(t, store.Config{Dialect: store.Postgres}.Validate(), "expected DSN")
	assert.EqualError(t, store.Config{Dialect: store.SQLite, DSN: "x", MaxOpenConns: -1}.Validate(),
		"invalid MaxOpenConns (-1; expected >= 0)")
	assert.NoError(t, store.Config{Dialect: store.SQLite, DSN: "x"}.Validate())
}
