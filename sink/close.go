package sink

import (
	"fmt"
	"io"
)

// CloseError aggregates the failures of closing several resources.
type CloseError struct {
	// First error encountered.
	First error
	// Suppressed errors which followed First.
	Suppressed []error
}

func (e *CloseError) Error() string {
	if len(e.Suppressed) == 0 {
		return e.First.Error()
	}
	return fmt.Sprintf("%s (and %d more)", e.First, len(e.Suppressed))
}

// Cause returns the first error.
func (e *CloseError) Cause() error { return e.First }

// Unwrap returns every aggregated error.
func (e *CloseError) Unwrap() []error { return append([]error{e.First}, e.Suppressed...) }

// CloseAll closes each of |closers| in order. Each is closed exactly once,
// regardless of the failures of others. If any fail, a *CloseError is
// returned.
func CloseAll(closers ...io.Closer) error {
	var out *CloseError

	for _, c := range closers {
		if c == nil {
			continue
		}
		var err = c.Close()
		if err == nil {
			continue
		} else if out == nil {
			out = &CloseError{First: err}
		} else {
			out.Suppressed = append(out.Suppressed, err)
		}
	}
	if out == nil {
		return nil // Not a typed nil.
	}
	return out
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close invokes the CloserFunc.
func (f CloserFunc) Close() error { return f() }
