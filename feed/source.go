package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.gazette.dev/claimsink/claim"
)

// Source is a stream of feed Messages, ordered on sequence number.
type Source interface {
	// Next returns the next Message, or io.EOF if none remain.
	Next() (claim.Message, error)
	// Close the Source.
	Close() error
}

// FileSource is a Source of a file of newline-delimited JSON Messages,
// such as a recorded or exported feed.
type FileSource struct {
	name string
	file afero.File
	dec  io.ReadCloser
	br   *bufio.Reader
	line int
	last uint64
}

// OpenFile opens a FileSource of |name| within |fs|. If |codec| is Auto,
// the Codec is selected from the extension of |name|.
func OpenFile(fs afero.Fs, name string, codec Codec) (*FileSource, error) {
	if codec == Auto {
		codec = CodecForPath(name)
	}
	var file, err = fs.Open(name)
	if err != nil {
		return nil, errors.WithMessage(err, "opening feed")
	}
	dec, err := NewCodecReader(file, codec)
	if err != nil {
		_ = file.Close()
		return nil, errors.WithMessagef(err, "decoding %s", name)
	}
	return &FileSource{
		name: name,
		file: file,
		dec:  dec,
		br:   bufio.NewReaderSize(dec, 32*1024),
	}, nil
}

// Next implements Source. Blank lines are skipped. Next fails if a Message
// doesn't have a sequence number greater than that of its predecessor.
func (s *FileSource) Next() (claim.Message, error) {
	for {
		var line, err = readLine(s.br)
		if err == io.EOF && len(line) == 0 {
			return claim.Message{}, io.EOF
		} else if err != nil && err != io.EOF {
			return claim.Message{}, errors.WithMessagef(err, "reading %s", s.name)
		}
		s.line++

		if line = bytes.TrimSpace(line); len(line) == 0 {
			continue
		}
		var msg claim.Message
		if err = json.Unmarshal(line, &msg); err != nil {
			return claim.Message{}, errors.WithMessagef(err, "decoding %s:%d", s.name, s.line)
		} else if s.last != 0 && msg.SequenceNumber <= s.last {
			return claim.Message{}, errors.Errorf("sequence number %d at %s:%d is not greater than its predecessor %d",
				msg.SequenceNumber, s.name, s.line, s.last)
		}
		s.last = msg.SequenceNumber
		return msg, nil
	}
}

// Close implements Source.
func (s *FileSource) Close() error {
	var err = s.dec.Close()
	if err2 := s.file.Close(); err == nil {
		err = err2
	}
	return err
}

// readLine returns the next newline-terminated line of |r|. A final line
// which lacks a newline is returned with io.EOF.
func readLine(r *bufio.Reader) ([]byte, error) {
	// Fast path: the line is fully contained in the buffer.
	var line, err = r.ReadSlice('\n')

	if err == bufio.ErrBufferFull {
		// Slow path: the line spills across multiple buffer fills.
		line = append([]byte(nil), line...) // |line| references an internal buffer.

		var rest []byte
		rest, err = r.ReadBytes('\n')
		line = append(line, rest...)
	}
	return line, err
}
