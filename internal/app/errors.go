package app

import (
	"errors"

	"github.com/hylla/fieldsync/internal/domain"
)

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrDrainInProgress     = errors.New("sync drain already in progress")
	ErrOffline             = errors.New("remote api unreachable")
	ErrServiceNotReady     = errors.New("service cache is not ready")
	ErrRehydrationRequired = errors.New("service requires rehydration before mutation")
	ErrNotConfirmed        = errors.New("entity has no server id yet")
)

// Error classes. Adapters wrap one of these so the coordinator can classify failures.
var (
	ErrTransient    = errors.New("transient failure")
	ErrRejected     = errors.New("rejected by server")
	ErrLocalStorage = errors.New("local storage failure")
	ErrConsistency  = errors.New("cache consistency failure")
)

// ErrorClass is the handling category of a failure.
type ErrorClass string

// ErrorClass values.
const (
	ClassTransient    ErrorClass = "transient"
	ClassRejected     ErrorClass = "rejected"
	ClassLocalStorage ErrorClass = "local_storage"
	ClassConsistency  ErrorClass = "consistency"
)

// ClassifyError maps an error onto the failure taxonomy. Unknown errors are transient
// so a queued mutation is retried rather than dropped.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRejected):
		return ClassRejected
	case errors.Is(err, ErrConsistency), errors.Is(err, ErrRehydrationRequired), errors.Is(err, ErrServiceNotReady):
		return ClassConsistency
	case errors.Is(err, ErrLocalStorage):
		return ClassLocalStorage
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrServerIDConflict):
		return ClassRejected
	default:
		return ClassTransient
	}
}

// IsPermanent reports whether a sync failure should mark the entity failed.
func IsPermanent(err error) bool {
	return ClassifyError(err) == ClassRejected
}
