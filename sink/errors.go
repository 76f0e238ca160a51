package sink

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedDelete is returned for a batch having a DELETE Change.
	ErrUnsupportedDelete = errors.New("claim deletes are not supported")
	// ErrClosed is returned by a Sink which has been closed.
	ErrClosed = errors.New("sink is closed")
)

// ProcessingError is a failure to write a batch. Processed is the number of
// the batch's claims which were durably written before the failure, and is
// always zero for a BatchSink, which writes atomically.
type ProcessingError struct {
	Err       error
	Processed int
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed (%d processed): %s", e.Processed, e.Err)
}

// Cause returns the underlying error.
func (e *ProcessingError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *ProcessingError) Unwrap() error { return e.Err }

// ProcessedCount returns the number of claims written before the failure.
func (e *ProcessingError) ProcessedCount() int { return e.Processed }
