package store

import (
	"errors"
	"reflect"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE of a unique_violation.
const pgUniqueViolation = "23505"

// IsDuplicateKey returns true if |err| indicates that a written row already
// exists. If the causal chain of |err| holds an error of a supported driver,
// it's classified structurally from the driver's error code. Otherwise, the
// errors of the chain are matched on their messages.
//
// Both github.com/pkg/errors causes (Cause() error) and standard wrappers
// (Unwrap() error, and Unwrap() []error) are walked. A chain which cycles back
// onto an already-visited error is not walked again.
func IsDuplicateKey(err error) bool {
	var (
		chain      = causalChain(err)
		structured bool
	)
	for _, e := range chain {
		if dup, ok := driverDuplicateKey(e); ok && dup {
			return true
		} else if ok {
			structured = true
		}
	}
	if structured {
		return false
	}

	for _, e := range chain {
		var msg = strings.ToLower(e.Error())
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key") {
			return true
		}
	}
	return false
}

// causalChain returns |err| and all of its transitive causes.
func causalChain(err error) []error {
	var (
		out   []error
		stack = []error{err}
		seen  = make(map[error]struct{})
	)
	for len(stack) != 0 {
		err, stack = stack[len(stack)-1], stack[:len(stack)-1]
		if err == nil {
			continue
		}
		if reflect.TypeOf(err).Comparable() {
			if _, ok := seen[err]; ok {
				continue
			}
			seen[err] = struct{}{}
		}
		out = append(out, err)

		switch e := err.(type) {
		case interface{ Cause() error }:
			stack = append(stack, e.Cause())
		case interface{ Unwrap() []error }:
			stack = append(stack, e.Unwrap()...)
		default:
			stack = append(stack, errors.Unwrap(err))
		}
		if len(out) > maxChainLength {
			break
		}
	}
	return out
}

// maxChainLength bounds the walk of chains built from non-comparable errors,
// which can't be checked for cycles.
const maxChainLength = 1024

// driverDuplicateKey classifies |err| if it's an error of a supported
// driver, returning true as its second result if so.
func driverDuplicateKey(err error) (dup bool, ok bool) {
	switch e := err.(type) {
	case sqlite3.Error:
		return isSQLiteDuplicate(e), true
	case *sqlite3.Error:
		return isSQLiteDuplicate(*e), true
	case *pq.Error:
		return e.Code == pgUniqueViolation, true
	default:
		return false, false
	}
}

func isSQLiteDuplicate(e sqlite3.Error) bool {
	return e.ExtendedCode == sqlite3.ErrConstraintUnique ||
		e.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
