package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRequestNotFound      = errors.New("screen share request not found")
	ErrSessionNotFound      = errors.New("screen share session not found")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrActiveRequestExists  = errors.New("an active screen share request already exists for this ticket")
	ErrActiveSessionExists  = errors.New("an active screen share session already exists for this ticket")
	ErrMissingJoinedProfile = errors.New("required joined profile is missing")
	ErrUnknownStatus        = errors.New("unknown status")
	ErrInvalidTimestamp     = errors.New("invalid timestamp")
)

// MappingError reports a stored or wire representation that cannot be turned
// into a complete domain object.
type MappingError struct {
	Entity string
	Field  string
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map %s.%s: %v", e.Entity, e.Field, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }
