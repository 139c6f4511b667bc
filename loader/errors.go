package loader

import (
	"errors"

	"github.com/eak1mov/go-tilestream/async"
	"github.com/eak1mov/go-tilestream/mb"
	"github.com/eak1mov/go-tilestream/pm"
	"github.com/eak1mov/go-tilestream/pm/spec"
	"github.com/eak1mov/go-tilestream/tileset"
	"github.com/eak1mov/go-tilestream/xyz"
)

// ErrMalformedContent reports tile bytes that cannot be decoded.
var ErrMalformedContent = errors.New("loader: malformed content")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable regardless of what it wraps.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// permanent lists the errors that another attempt cannot fix.
var permanent = []error{
	ErrMalformedContent,
	spec.ErrInvalidHeader,
	spec.ErrInvalidVersion,
	spec.ErrInvalidDirectory,
	spec.ErrDecompress,
	spec.ErrUnsupportedCompression,
	mb.ErrInvalidTileID,
	pm.ErrInvalidTileID,
	xyz.ErrInvalidTileID,
	async.ErrPanic,
}

// Classify maps a load error to the tile state it leads to. Errors marked
// with Transient and everything unknown (store I/O, timeouts, cancellation)
// may be retried; corrupt or unsupported content may not. A short read inside
// a decompressor is corrupt content, not a short read of the store.
func Classify(err error) tileset.LoadState {
	if err == nil {
		return tileset.LoadSuccess
	}
	var transient *transientError
	if errors.As(err, &transient) {
		return tileset.LoadFailedTemporarily
	}
	for _, target := range permanent {
		if errors.Is(err, target) {
			return tileset.LoadFailed
		}
	}
	return tileset.LoadFailedTemporarily
}
