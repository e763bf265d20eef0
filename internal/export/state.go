package export

import (
	"fmt"

	"github.com/fieldops/opsync/internal/docstore"
)

// Bookkeeping fields written on workflow and reference documents.
const (
	FieldExported   = "exported"
	FieldInProgress = "exportInProgress"
	FieldSkipped    = "exportSkipped"
	FieldSkipReason = "exportError"
)

// State is the export state of one document. The document's own flags are
// the durable record of the state, so a crash at any point leaves a state
// the next cycle can read back.
type State int

const (
	// Pending documents are waiting to be exported.
	Pending State = iota

	// InProgress documents are claimed by a running export. A document
	// found in this state outside a running export was left behind by a
	// failed one and is reset by cleanup.
	InProgress

	// Exported documents are mirrored in the relational store.
	Exported

	// Skipped documents failed to map. They stay unexported and out of
	// later batches until requeued.
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case InProgress:
		return "EXPORT_IN_PROGRESS"
	case Exported:
		return "EXPORTED"
	case Skipped:
		return "EXPORT_SKIPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateOf reads the export state from a document's flags.
func StateOf(fields docstore.Fields) State {
	switch {
	case fields.Bool(FieldInProgress):
		return InProgress
	case fields.Bool(FieldExported):
		return Exported
	case fields.Bool(FieldSkipped):
		return Skipped
	default:
		return Pending
	}
}

// Transition returns the field update moving a document from one state to
// another:
//
//	PENDING            -> EXPORT_IN_PROGRESS  claim
//	EXPORT_IN_PROGRESS -> EXPORTED            relational commit succeeded
//	EXPORT_IN_PROGRESS -> PENDING             relational write failed
//	EXPORT_IN_PROGRESS -> EXPORT_SKIPPED      record could not be mapped
//	EXPORT_SKIPPED     -> PENDING             requeue
func Transition(from, to State) (docstore.Fields, error) {
	switch {
	case from == Pending && to == InProgress:
		return docstore.Fields{FieldInProgress: true}, nil
	case from == InProgress && to == Exported:
		return docstore.Fields{
			FieldExported:   true,
			FieldInProgress: docstore.DeleteField,
			FieldSkipped:    docstore.DeleteField,
			FieldSkipReason: docstore.DeleteField,
		}, nil
	case from == InProgress && to == Pending:
		return docstore.Fields{FieldInProgress: docstore.DeleteField}, nil
	case from == InProgress && to == Skipped:
		return docstore.Fields{FieldInProgress: docstore.DeleteField, FieldSkipped: true}, nil
	case from == Skipped && to == Pending:
		return docstore.Fields{FieldSkipped: docstore.DeleteField, FieldSkipReason: docstore.DeleteField}, nil
	}
	return nil, fmt.Errorf("illegal export transition %s -> %s", from, to)
}

// skip returns the update marking a claimed document skipped for reason.
func skip(reason string) docstore.Fields {
	f := mustTransition(InProgress, Skipped)
	f[FieldSkipReason] = reason
	return f
}

// Reset returns the update cleanup applies to an abandoned document: back to
// PENDING whatever flags it carries.
func Reset() docstore.Fields {
	return docstore.Fields{
		FieldExported:   false,
		FieldInProgress: docstore.DeleteField,
		FieldSkipped:    docstore.DeleteField,
		FieldSkipReason: docstore.DeleteField,
	}
}

func mustTransition(from, to State) docstore.Fields {
	f, err := Transition(from, to)
	if err != nil {
		panic(err)
	}
	return f
}
