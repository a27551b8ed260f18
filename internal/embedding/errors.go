package embedding

import (
	"errors"
	"fmt"
)

var (
	// ErrModelLoad matches any *ModelLoadError via errors.Is.
	ErrModelLoad = errors.New("embedding model load failed")
	// ErrEncode matches any *EncodeError via errors.Is.
	ErrEncode = errors.New("embedding encode failed")
)

// ModelLoadError reports that the configured model could not be resolved or loaded.
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load embedding model %q: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrModelLoad) match.
func (e *ModelLoadError) Is(target error) bool { return target == ErrModelLoad }

// EncodeError reports that a text could not be encoded. Index is the position
// of the text in the batch, or -1 when the whole request failed.
type EncodeError struct {
	Index int
	Err   error
}

func (e *EncodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("encode: %v", e.Err)
	}
	return fmt.Sprintf("encode text %d: %v", e.Index, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrEncode) match.
func (e *EncodeError) Is(target error) bool { return target == ErrEncode }

var errEmptyText = errors.New("text is empty")

// withIndex re-targets an EncodeError produced by a single-text call at batch position i.
func withIndex(err error, i int) error {
	var enc *EncodeError
	if errors.As(err, &enc) {
		return &EncodeError{Index: i, Err: enc.Err}
	}
	return err
}
