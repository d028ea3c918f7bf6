package domain

import (
	"context"
	"errors"
)

var (
	// ErrTransientDependency marks extraction, embedding or store calls that
	// may succeed if retried.
	ErrTransientDependency = errors.New("transient dependency error")
	// ErrDegenerateRelation is a relation whose subject and object resolved to
	// the same entity.
	ErrDegenerateRelation = errors.New("degenerate relation")
	// ErrMalformedInput is an unparseable span, mention, triple or record.
	ErrMalformedInput = errors.New("malformed input")
	// ErrConsistencyViolation means the alias or relation index disagrees with
	// the entity or relation it points at.
	ErrConsistencyViolation = errors.New("consistency violation")
)

type ErrorKind string

const (
	KindTransientDependency  ErrorKind = "transient_dependency"
	KindDegenerateRelation   ErrorKind = "degenerate_relation"
	KindMalformedInput       ErrorKind = "malformed_input"
	KindConsistencyViolation ErrorKind = "consistency_violation"
	KindCanceled             ErrorKind = "canceled"
	KindUnknown              ErrorKind = "unknown"
)

// KindOf classifies err for reporting.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrConsistencyViolation):
		return KindConsistencyViolation
	case errors.Is(err, ErrDegenerateRelation):
		return KindDegenerateRelation
	case errors.Is(err, ErrMalformedInput):
		return KindMalformedInput
	case errors.Is(err, ErrTransientDependency):
		return KindTransientDependency
	}
	return KindUnknown
}
