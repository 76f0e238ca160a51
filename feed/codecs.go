package feed

import (
	"io"
	"path"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Codec is a compression codec of a feed file.
type Codec string

const (
	// Auto selects a Codec from the extension of a file.
	Auto Codec = "auto"
	// None is an uncompressed file.
	None Codec = "none"
	// Gzip is a gzip file, which may have several members.
	Gzip Codec = "gzip"
	// Snappy is a file of the snappy framing format.
	Snappy Codec = "snappy"
	// Zstandard is a zstd file.
	Zstandard Codec = "zstd"
)

// CodecForPath returns the Codec implied by the extension of |name|.
func CodecForPath(name string) Codec {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz", ".gzip":
		return Gzip
	case ".sz", ".snappy":
		return Snappy
	case ".zst", ".zstd":
		return Zstandard
	default:
		return None
	}
}

// NewCodecReader returns a ReadCloser of |r| decoded with |codec|.
// Close releases decoder state, but doesn't close |r|.
func NewCodecReader(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case Zstandard:
		var dec, err = zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, errors.Errorf("unsupported codec %q", string(codec))
	}
}

// NewCodecWriter returns a WriteCloser which encodes to |w| with |codec|.
// Close flushes final content, but doesn't close |w|.
func NewCodecWriter(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstandard:
		return zstd.NewWriter(w)
	default:
		return nil, errors.Errorf("unsupported codec %q", string(codec))
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
