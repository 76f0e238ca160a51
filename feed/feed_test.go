package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/claimsink/claim"
	"go.gazette.dev/claimsink/sink"
	"go.gazette.dev/claimsink/store/storetest"
)

func TestCodecForPath(t *testing.T) {
	for name, expect := range map[string]Codec{
		"feed.jsonl":     None,
		"feed.jsonl.gz":  Gzip,
		"feed.JSONL.GZ":  Gzip,
		"feed.jsonl.sz":  Snappy,
		"feed.jsonl.zst": Zstandard,
		"feed":           None,
	} {
		assert.Equal(t, expect, CodecForPath(name), name)
	}
	var _, err = NewCodecReader(strings.NewReader(""), "lz4")
	assert.EqualError(t, err, `unsupported codec "lz4"`)
}

func TestFileSourceReadsEachCodec(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var msgs = buildMessages(1, 250)

	for _, name := range []string{"feed.jsonl", "feed.jsonl.gz", "feed.jsonl.sz", "feed.jsonl.zst"} {
		writeFeed(t, fs, name, CodecForPath(name), msgs)

		var src, err = OpenFile(fs, name, Auto)
		require.NoError(t, err)
		assert.Equal(t, msgs, readAll(t, src), name)
		require.NoError(t, src.Close())
	}
}

func TestFileSourceLineHandling(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var long = strings.Repeat("x", 100*1024) // Spills across buffer fills.

	require.NoError(t, afero.WriteFile(fs, "feed.jsonl", []byte(
		`{"seq":1,"changeType":"INSERT","claim":{"dcn":"a"}}`+"\n"+
			"\n"+
			`{"seq":2,"changeType":"UPDATE","claim":{"dcn":"`+long+`"}}`+"\n"+
			`{"seq":5,"changeType":"UPDATE","claim":{"dcn":"b"}}`, // No final newline.
	), 0644))

	var src, err = OpenFile(fs, "feed.jsonl", Auto)
	require.NoError(t, err)
	defer src.Close()

	var out = readAll(t, src)
	require.Len(t, out, 3)
	assert.Equal(t, []uint64{1, 2, 5}, []uint64{out[0].SequenceNumber, out[1].SequenceNumber, out[2].SequenceNumber})
	assert.Len(t, out[1].Claim, len(long)+len(`{"dcn":""}`))
}

func TestFileSourceErrors(t *testing.T) {
	var fs = afero.NewMemMapFs()

	var _, err = OpenFile(fs, "missing.jsonl", Auto)
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "regress.jsonl", []byte(
		`{"seq":10,"changeType":"INSERT","claim":{}}`+"\n"+
			`{"seq":10,"changeType":"INSERT","claim":{}}`+"\n"), 0644))

	src, err := OpenFile(fs, "regress.jsonl", None)
	require.NoError(t, err)
	_, err = src.Next()
	require.NoError(t, err)
	_, err = src.Next()
	assert.EqualError(t, err, "sequence number 10 at regress.jsonl:2 is not greater than its predecessor 10")
	require.NoError(t, src.Close())

	require.NoError(t, afero.WriteFile(fs, "garbage.jsonl", []byte("{not json\n"), 0644))
	src, err = OpenFile(fs, "garbage.jsonl", None)
	require.NoError(t, err)
	_, err = src.Next()
	assert.Contains(t, err.Error(), "decoding garbage.jsonl:1")
	require.NoError(t, src.Close())

	// A gzip Codec of a plain file fails.
	_, err = OpenFile(fs, "garbage.jsonl", Gzip)
	assert.Error(t, err)
}

func TestRunBatchesAndResumes(t *testing.T) {
	var (
		ctx  = context.Background()
		msgs = buildMessages(1, 23)
		rec  = &recordingSink{resume: 5}
	)
	var stats, err = Run(ctx, RunArgs{
		Family:     claim.Fiss,
		Source:     &sliceSource{msgs: msgs},
		Sink:       rec,
		APIVersion: "v3",
		BatchSize:  7,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{7, 7, 4}, rec.sizes)
	assert.Equal(t, uint64(6), rec.firstSeq)
	assert.Equal(t, "v3", rec.apiVersion)
	assert.True(t, rec.closed)

	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, uint64(5), stats.Resume)
	assert.Equal(t, int64(23), stats.Read)
	assert.Equal(t, int64(5), stats.Skipped)
	assert.Equal(t, int64(18), stats.Written)
	assert.Equal(t, uint64(23), stats.Last)
}

func TestRunReturnsSinkFailure(t *testing.T) {
	var rec = &recordingSink{failAt: 2}
	var stats, err = Run(context.Background(), RunArgs{
		Family:    claim.Fiss,
		Source:    &sliceSource{msgs: buildMessages(1, 20)},
		Sink:      rec,
		BatchSize: 5,
	})
	var pe *sink.ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.True(t, rec.closed)
	assert.Equal(t, uint64(5), stats.Last)
	assert.Equal(t, int64(10), stats.Read)
}

func TestRunStopsOnCancellation(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var rec = new(recordingSink)
	var _, err = Run(ctx, RunArgs{
		Family:    claim.Fiss,
		Source:    &sliceSource{msgs: buildMessages(1, 20)},
		Sink:      rec,
		BatchSize: 5,
	})
	assert.Equal(t, context.Canceled, err)
	assert.Empty(t, rec.sizes)
	assert.True(t, rec.closed)
}

func TestRunIntoStore(t *testing.T) {
	var (
		ctx = context.Background()
		db  = storetest.NewDB(t)
		fs  = afero.NewMemMapFs()
	)
	var run = func(name string, msgs []claim.Message) Stats {
		writeFeed(t, fs, name, Auto, msgs)

		var src, err = OpenFile(fs, name, Auto)
		require.NoError(t, err)
		defer src.Close()

		sess, err := db.NewSession(ctx)
		require.NoError(t, err)

		stats, err := Run(ctx, RunArgs{
			Family:     claim.Fiss,
			Source:     src,
			Sink:       sink.NewSingle(sink.NewBatchSink(claim.Fiss, sess)),
			APIVersion: "v1",
			BatchSize:  10,
		})
		require.NoError(t, err)
		return stats
	}

	var stats = run("first.jsonl.gz", buildMessages(1, 30))
	assert.Equal(t, int64(30), stats.Written)

	// A replay having overlap resumes after the first run.
	stats = run("second.jsonl.zst", buildMessages(21, 45))
	assert.Equal(t, uint64(30), stats.Resume)
	assert.Equal(t, int64(10), stats.Skipped)
	assert.Equal(t, int64(15), stats.Written)

	rows, err := db.Rows(ctx, claim.Fiss.Table)
	require.NoError(t, err)
	assert.Len(t, rows, 45)

	progress, err := db.Progress(ctx)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, uint64(45), progress[0].SequenceNumber)
}

// buildMessages returns Messages of sequence numbers [from, to], each
// inserting a distinct claim.
func buildMessages(from, to uint64) []claim.Message {
	var out []claim.Message
	for seq := from; seq <= to; seq++ {
		out = append(out, claim.Message{
			SequenceNumber: seq,
			ChangeType:     claim.Insert,
			Timestamp:      time.Unix(1600000000+int64(seq), 0).UTC(),
			Claim:          json.RawMessage(fmt.Sprintf(`{"dcn":"dcn-%d","currStatus":"A"}`, seq)),
		})
	}
	return out
}

func writeFeed(t *testing.T, fs afero.Fs, name string, codec Codec, msgs []claim.Message) {
	if codec == Auto {
		codec = CodecForPath(name)
	}
	var f, err = fs.Create(name)
	require.NoError(t, err)

	w, err := NewCodecWriter(f, codec)
	require.NoError(t, err)

	var enc = json.NewEncoder(w)
	for _, msg := range msgs {
		require.NoError(t, enc.Encode(msg))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func readAll(t *testing.T, src Source) []claim.Message {
	var out []claim.Message
	for {
		var msg, err = src.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, msg)
	}
}

type sliceSource struct{ msgs []claim.Message }

func (s *sliceSource) Next() (claim.Message, error) {
	if len(s.msgs) == 0 {
		return claim.Message{}, io.EOF
	}
	var msg = s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg, nil
}

func (s *sliceSource) Close() error { return nil }

// recordingSink is a sink.Sink which records its calls.
type recordingSink struct {
	resume     uint64
	failAt     int // Fail the nth WriteMessages call, if non-zero.
	sizes      []int
	firstSeq   uint64
	apiVersion string
	processed  int64
	closed     bool
}

func (s *recordingSink) WriteMessages(_ context.Context, apiVersion string, msgs []claim.Message) (int, error) {
	if len(s.sizes)+1 == s.failAt {
		return 0, &sink.ProcessingError{Err: errors.New("whoops")}
	}
	if s.sizes == nil {
		s.firstSeq = msgs[0].SequenceNumber
	}
	s.sizes = append(s.sizes, len(msgs))
	s.apiVersion = apiVersion
	s.processed += int64(len(msgs))
	return len(msgs), nil
}

func (s *recordingSink) ReadMaxExistingSequenceNumber(context.Context) (uint64, error) {
	return s.resume, nil
}

func (s *recordingSink) ProcessedCount() int64 { return s.processed }

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}
