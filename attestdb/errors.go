package attestdb

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// ConstraintKind identifies which SQL constraint a failed insert violated.
// Constraint failures are normal control flow here, not exceptional
// errors: the caller reinterprets them (duplicate / unknown user / pending
// dependency) instead of aborting.
type ConstraintKind int

const (
	// ConstraintUnique means the row already exists.
	ConstraintUnique ConstraintKind = iota
	// ConstraintNotNull means a required foreign row (typically the user)
	// is not known.
	ConstraintNotNull
	// ConstraintCheck means a referenced genesis or prev_msg hash is not
	// yet present; the caller should park the envelope as pending.
	ConstraintCheck
)

func (k ConstraintKind) String() string {
	switch k {
	case ConstraintUnique:
		return "unique"
	case ConstraintNotNull:
		return "not_null"
	case ConstraintCheck:
		return "check"
	default:
		return "unknown"
	}
}

// ConstraintError wraps a SQLite constraint violation with the kind the
// caller needs to decide how to proceed, per spec: ConstraintUnique is a
// duplicate, ConstraintNotNull means the user chain does not exist yet,
// ConstraintCheck means a dependency is missing and the envelope should be
// parked as pending.
type ConstraintError struct {
	Kind ConstraintKind
	Err  error
}

func (e *ConstraintError) Error() string {
	return "attestdb: constraint violation (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// ErrNotFound is returned when a lookup finds no matching chain or row.
var ErrNotFound = errors.New("attestdb: not found")

// ErrNonceConsumed is returned by GetSecretForPublicNonce when the nonce
// was already consumed once (invariant I4).
var ErrNonceConsumed = errors.New("attestdb: nonce already consumed")

// classifyConstraint maps a sqlite3 error to a ConstraintError, or returns
// the original error unmodified if it isn't a constraint violation.
func classifyConstraint(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &ConstraintError{Kind: ConstraintUnique, Err: err}
		case sqlite3.ErrConstraintNotNull:
			return &ConstraintError{Kind: ConstraintNotNull, Err: err}
		case sqlite3.ErrConstraintCheck:
			return &ConstraintError{Kind: ConstraintCheck, Err: err}
		}
	}
	return err
}
