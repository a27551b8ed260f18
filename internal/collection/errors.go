package collection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the folder holds neither an index nor metadata.
	ErrNotFound = errors.New("collection not found")
	// ErrCorrupt means the files exist but are unreadable or inconsistent.
	ErrCorrupt = errors.New("collection corrupt")
	// ErrIncomplete means a save was interrupted: one file is missing, or the
	// metadata is shorter than the index. It matches ErrCorrupt too.
	ErrIncomplete = fmt.Errorf("%w: incomplete save", ErrCorrupt)
	// ErrLengthMismatch means texts and sources differ in length.
	ErrLengthMismatch = errors.New("texts and sources length mismatch")
)
