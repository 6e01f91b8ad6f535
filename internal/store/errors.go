package store

import (
	"context"
	"errors"

	"github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
)

// ErrConflict marks unique-constraint violations (duplicate zone name).
// State is unchanged when it is returned.
var ErrConflict = errors.New("store: conflict")

// ErrNotFound marks lookups of rows that do not exist.
var ErrNotFound = errors.New("store: not found")

// classify translates driver errors into the gateway taxonomy. Anything
// that is not a conflict or a missing row is transient: the caller rolls
// back its zone and retries on a later tick.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return eris.Wrap(ErrConflict, op)
		}
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return eris.Wrapf(err, "%s", op)
}

// IsConflict reports whether err is a unique-constraint violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err is a missing-row lookup.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
