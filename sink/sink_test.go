package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/claimsink/claim"
	"go.gazette.dev/claimsink/store"
	"go.gazette.dev/claimsink/store/storetest"
)

func TestBatchSinkPersistsThenMergesReplay(t *testing.T) {
	var (
		ctx    = context.Background()
		db     = storetest.NewDB(t)
		family = testFamily("persist-merge")
		bs     = NewBatchSink(family, storetest.NewSession(t, db))
		t0     = time.Unix(1600000000, 0)
	)
	defer bs.Close()

	var batch = []claim.Change{
		fissChange(claim.Insert, 1, t0, "a", "A"),
		fissChange(claim.Insert, 2, t0, "b", "B"),
		fissChange(claim.Update, 3, t0.Add(time.Second), "a", "C"),
	}

	var n, err = bs.WriteBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var expect = []store.Row{
		{ClaimID: "a", SequenceNumber: 3, APISource: "v1", LastUpdated: t0.Add(time.Second).UnixMicro(),
			Claim: `{"dcn":"a","hic":"","currStatus":"C","currLoc1":""}`},
		{ClaimID: "b", SequenceNumber: 2, APISource: "v1", LastUpdated: t0.UnixMicro(),
			Claim: `{"dcn":"b","hic":"","currStatus":"B","currLoc1":""}`},
	}
	rows, err := db.Rows(ctx, family.Table)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(expect, rows))

	assert.Equal(t, 2.0, testutil.ToFloat64(writesPersistedTotal.WithLabelValues(family.Name)))
	assert.Equal(t, 0.0, testutil.ToFloat64(writesMergedTotal.WithLabelValues(family.Name)))

	// Re-delivery of the batch collides on "b", and is merged.
	n, err = bs.WriteBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err = db.Rows(ctx, family.Table)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(expect, rows))

	assert.Equal(t, 2.0, testutil.ToFloat64(writesPersistedTotal.WithLabelValues(family.Name)))
	assert.Equal(t, 2.0, testutil.ToFloat64(writesMergedTotal.WithLabelValues(family.Name)))
	assert.Equal(t, 4.0, testutil.ToFloat64(writesTotal.WithLabelValues(family.Name)))
	assert.Equal(t, 2.0, testutil.ToFloat64(successesTotal.WithLabelValues(family.Name)))
	assert.Equal(t, 0.0, testutil.ToFloat64(failuresTotal.WithLabelValues(family.Name)))

	assert.Equal(t, 3.0, testutil.ToFloat64(latestSequenceNumber.WithLabelValues(family.Name)))
	assert.Equal(t, uint64(3), bs.LatestSequenceNumber())
}

func TestBatchSinkRejectsDelete(t *testing.T) {
	var (
		ctx    = context.Background()
		db     = storetest.NewDB(t)
		family = testFamily("reject-delete")
		bs     = NewBatchSink(family, storetest.NewSession(t, db))
		t0     = time.Unix(1600000000, 0)
	)
	defer bs.Close()

	var n, err = bs.WriteBatch(ctx, []claim.Change{
		fissChange(claim.Insert, 10, t0, "a", "A"),
		fissChange(claim.Delete, 11, t0, "b", "B"),
	})
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, ErrUnsupportedDelete))

	var pe *ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 0, pe.ProcessedCount())

	rows, err := db.Rows(ctx, family.Table)
	require.NoError(t, err)
	assert.Empty(t, rows)

	assert.Equal(t, 1.0, testutil.ToFloat64(failuresTotal.WithLabelValues(family.Name)))
	assert.Equal(t, uint64(0), bs.LatestSequenceNumber())
}

func TestBatchSinkLatencyIsFlooredAtZero(t *testing.T) {
	var (
		ctx    = context.Background()
		db     = storetest.NewDB(t)
		family = testFamily("latency")
		bs     = NewBatchSink(family, storetest.NewSession(t, db))
		t0     = time.Unix(1600000000, 0)
	)
	defer bs.Close()
	bs.now = func() time.Time { return t0 }

	var _, err = bs.WriteBatch(ctx, []claim.Change{
		fissChange(claim.Insert, 1, t0.Add(-5*time.Millisecond), "a", "A"),
		fissChange(claim.Insert, 2, t0.Add(time.Hour), "b", "B"), // From the future.
	})
	require.NoError(t, err)

	var m dto.Metric
	require.NoError(t, changeLatencyMillis.WithLabelValues(family.Name).(prometheus.Histogram).Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.Equal(t, 5.0, m.GetHistogram().GetSampleSum())
}

func TestBatchSinkStoreFailure(t *testing.T) {
	var (
		ctx    = context.Background()
		db     = storetest.NewDB(t)
		family = testFamily("store-failure")
		sess   = storetest.NewSession(t, db)
		bs     = NewBatchSink(family, sess)
		t0     = time.Unix(1600000000, 0)
	)
	// A closed Session fails every transaction.
	require.NoError(t, sess.Close())

	var n, err = bs.WriteBatch(ctx, []claim.Change{fissChange(claim.Insert, 1, t0, "a", "A")})
	assert.Equal(t, 0, n)

	var pe *ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.False(t, store.IsDuplicateKey(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(failuresTotal.WithLabelValues(family.Name)))
	assert.Equal(t, 0.0, testutil.ToFloat64(latestSequenceNumber.WithLabelValues(family.Name)))
}

func TestBatchSinkWriteAfterClose(t *testing.T) {
	var (
		db = storetest.NewDB(t)
		bs = NewBatchSink(testFamily("after-close"), storetest.NewSession(t, db))
	)
	require.NoError(t, bs.Close())
	require.NoError(t, bs.Close()) // Idempotent.

	var _, err = bs.WriteBatch(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestResumePositionFallsBackToTableMax(t *testing.T) {
	var (
		ctx    = context.Background()
		db     = storetest.NewDB(t)
		family = testFamily("resume")
		bs     = NewBatchSink(family, storetest.NewSession(t, db))
		t0     = time.Unix(1600000000, 0)
	)
	defer bs.Close()

	// Empty store.
	var seq, err = bs.ReadMaxExistingSequenceNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	// Claims, but no progress.
	_, err = bs.WriteBatch(ctx, []claim.Change{
		fissChange(claim.Insert, 41, t0, "a", "A"),
		fissChange(claim.Insert, 40, t0, "b", "B"),
	})
	require.NoError(t, err)

	seq, err = bs.ReadMaxExistingSequenceNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), seq)

	// Progress takes precedence.
	require.NoError(t, bs.UpdateLastSequenceNumber(ctx, 30))
	seq, err = bs.ReadMaxExistingSequenceNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), seq)
}

func TestSingleWritesAndPersistsProgress(t *testing.T) {
	var (
		ctx    = context.Background()
		db     = storetest.NewDB(t)
		family = testFamily("single")
		s      = NewSingle(NewBatchSink(family, storetest.NewSession(t, db)))
		t0     = time.Unix(1600000000, 0)
	)

	var n, err = s.WriteMessages(ctx, "v2", []claim.Message{
		fissMessage(claim.Insert, 7, t0, "a"),
		fissMessage(claim.Insert, 9, t0, "b"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.WriteMessages(ctx, "v2", []claim.Message{fissMessage(claim.Update, 12, t0, "a")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(3), s.ProcessedCount())

	seq, err := s.ReadMaxExistingSequenceNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)

	// A transform failure is a ProcessingError, and writes nothing.
	n, err = s.WriteMessages(ctx, "v2", []claim.Message{
		fissMessage(claim.Insert, 13, t0, "c"),
		{SequenceNumber: 14, ChangeType: claim.Insert, Claim: json.RawMessage(`{"dcn":""}`)},
	})
	assert.Equal(t, 0, n)
	var pe *ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, err.Error(), "claim has an empty key")

	require.NoError(t, s.Close())

	progress, err := db.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Progress{{ClaimType: family.Name, SequenceNumber: 12}}, progress)

	rows, err := db.Rows(ctx, family.Table)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "v2", rows[0].APISource)
}

func TestCloseAllClosesEachOnce(t *testing.T) {
	var (
		calls [3]int
		errA  = errors.New("A")
		errC  = errors.New("C")
	)
	var err = CloseAll(
		CloserFunc(func() error { calls[0]++; return errA }),
		CloserFunc(func() error { calls[1]++; return nil }),
		nil,
		CloserFunc(func() error { calls[2]++; return errC }),
	)
	assert.Equal(t, [3]int{1, 1, 1}, calls)

	var ce *CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, errA, ce.First)
	assert.Equal(t, []error{errC}, ce.Suppressed)
	assert.Equal(t, errA, errors.Cause(err))
	assert.True(t, errors.Is(err, errC))
	assert.EqualError(t, err, "A (and 1 more)")

	assert.NoError(t, CloseAll(CloserFunc(func() error { return nil })))
	assert.NoError(t, CloseAll())
}

func testFamily(name string) claim.Family {
	return claim.Family{Name: name, Table: claim.Fiss.Table, Transformer: claim.Fiss.Transformer}
}

func fissChange(kind claim.Kind, seq uint64, ts time.Time, dcn, status string) claim.Change {
	return claim.Change{
		Kind:           kind,
		SequenceNumber: seq,
		Timestamp:      ts,
		APIVersion:     "v1",
		Claim:          &claim.FissClaim{Dcn: dcn, CurrStatus: status},
	}
}

func fissMessage(kind claim.Kind, seq uint64, ts time.Time, dcn string) claim.Message {
	return claim.Message{
		SequenceNumber: seq,
		ChangeType:     kind,
		Timestamp:      ts,
		Claim:          json.RawMessage(`{"dcn":"` + dcn + `","currStatus":"A"}`),
	}
}
