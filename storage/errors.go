// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned by Get when the key has no value in the
	// context.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("storage: store is closed")

	// ErrLocked is returned when the store file is held by another process.
	// Exactly one supervisor may own a home directory at a time, so this is
	// never recovered from the backup.
	ErrLocked = errors.New("storage: store is locked by another process")
)

// CorruptError marks a store whose contents could not be read back during the
// open verification walk. Recovery copies the backup over the live tree; with
// restore disabled the error is fatal.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("storage: store %q is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// IsCorrupt returns whether err carries a CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
