package common

import (
	"errors"
	"fmt"
)

// Sentinel errors adapters use to classify delivery failures.
var (
	// ErrTransient marks failures worth retrying: network errors, 5xx
	// responses, timeouts.
	ErrTransient = errors.New("transient delivery failure")
	// ErrPermanent marks failures that will not succeed on retry: the
	// target rejected the value outright.
	ErrPermanent = errors.New("permanent delivery failure")
	// ErrConflict marks deliveries refused because the target's current
	// value no longer matches the event's old value. The accompanying
	// SyncResult carries the remote state for the conflict resolver.
	ErrConflict = errors.New("remote value conflict")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// WrapConflict annotates an error as a remote value conflict.
func WrapConflict(err error) error {
	if err == nil {
		return ErrConflict
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}
