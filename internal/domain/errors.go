package domain

import "errors"

var (
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidEntityType = errors.New("invalid entity type")
	ErrInvalidSyncStatus = errors.New("invalid sync status")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidBlob       = errors.New("invalid blob")
	ErrDuplicateCreate   = errors.New("create already queued for target")
	ErrServerIDConflict  = errors.New("server id conflicts with existing reconciliation")
)
