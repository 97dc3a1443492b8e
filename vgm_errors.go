// vgm_errors.go - Error taxonomy for loads, pre-renders and playback.
//
// FormatError, StorageError and DecompressionError are fatal to the current
// operation and surface to the caller. Resource exhaustion (data bank over
// capacity) truncates with a logged warning, and ring underruns are only ever
// a counter; neither produces an error value.

package main

import "fmt"

// FormatError reports a malformed container: bad magic, truncated header,
// broken data-block framing or a skip-length mismatch.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("vgm format: %s", e.Reason)
}

func formatErrorf(format string, args ...interface{}) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// StorageError reports a failed open/read/seek/write on the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// DecompressionError reports a corrupt compressed container.
type DecompressionError struct {
	Reason string
	Err    error
}

func (e *DecompressionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vgm inflate: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("vgm inflate: %s", e.Reason)
}

func (e *DecompressionError) Unwrap() error { return e.Err }
