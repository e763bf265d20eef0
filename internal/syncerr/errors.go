// Package syncerr defines the failure taxonomy shared by the fold, export and
// cleanup stages.
//
// Every stage boundary returns errors that can be classified with errors.Is
// against the sentinels below:
//
//	if errors.Is(err, syncerr.ErrPreconditionFailed) {
//	    // another operation holds the lock; skip this entity for the cycle
//	}
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPreconditionFailed is returned when an operation cannot start
	// because its preconditions do not hold: the lock is held elsewhere or a
	// record stopped being eligible at selection time.
	ErrPreconditionFailed = errors.New("failed precondition")

	// ErrAlreadyLocked is returned when a lock record already exists for the
	// requested resource. It also matches ErrPreconditionFailed.
	ErrAlreadyLocked = fmt.Errorf("%w: resource already locked", ErrPreconditionFailed)

	// ErrRelationalWrite is returned when writing to the relational store
	// fails (constraint violation, connectivity). The batch is rolled back
	// and retried next cycle.
	ErrRelationalWrite = errors.New("relational write failed")

	// ErrPartialCommit is returned when the primary-store batch commit fails
	// after the relational transaction already committed. The next cycle's
	// cleanup closes the gap.
	ErrPartialCommit = errors.New("partial commit")

	// ErrFoldConflict is returned for ambiguous or contradictory matches.
	// Conflicts are never resolved automatically.
	ErrFoldConflict = errors.New("fold conflict")

	// ErrValidation is returned for malformed staging or workflow records.
	ErrValidation = errors.New("validation failed")
)

// Kind names one category of the taxonomy.
type Kind string

const (
	KindPrecondition  Kind = "precondition_failed"
	KindRelational    Kind = "relational_write_failed"
	KindPartialCommit Kind = "partial_commit_failure"
	KindFoldConflict  Kind = "fold_conflict"
	KindValidation    Kind = "validation_failure"
)

func (k Kind) sentinel() error {
	switch k {
	case KindPrecondition:
		return ErrPreconditionFailed
	case KindRelational:
		return ErrRelationalWrite
	case KindPartialCommit:
		return ErrPartialCommit
	case KindFoldConflict:
		return ErrFoldConflict
	case KindValidation:
		return ErrValidation
	default:
		return nil
	}
}

// Error carries enough context to replay a failed step by hand.
type Error struct {
	Kind       Kind
	Entity     string
	Collection string
	ID         string
	Batch      string
	Err        error
}

// New builds an Error of the given kind wrapping err.
func New(kind Kind, entity string, err error) *Error {
	return &Error{Kind: kind, Entity: entity, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	var ctx []string
	if e.Entity != "" {
		ctx = append(ctx, "entity="+e.Entity)
	}
	if e.Collection != "" {
		ctx = append(ctx, "collection="+e.Collection)
	}
	if e.ID != "" {
		ctx = append(ctx, "id="+e.ID)
	}
	if e.Batch != "" {
		ctx = append(ctx, "batch="+e.Batch)
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	if s == nil {
		return false
	}
	if target == s {
		return true
	}
	return errors.Is(s, target)
}

// IsPrecondition returns true if err means the operation was skipped
// because another operation is in flight.
func IsPrecondition(err error) bool {
	return err != nil && errors.Is(err, ErrPreconditionFailed)
}

// IsRecoverableNextCycle returns true if the next scheduled cycle will
// rediscover the state and retry without operator action.
func IsRecoverableNextCycle(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFoldConflict) || errors.Is(err, ErrValidation) {
		return false
	}
	return true
}

// IsUserActionRequired returns true if the error needs an upstream data fix.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrFoldConflict) || errors.Is(err, ErrValidation)
}
