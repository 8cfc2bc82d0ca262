package model

import "errors"

var (
	// ErrNotFound is returned when a record is absent from the local cache.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned for records that fail validation.
	ErrInvalidRecord = errors.New("invalid record")
)
