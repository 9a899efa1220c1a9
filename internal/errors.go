package internal

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrEmptyMask           = errors.New("mask has no foreground")
	ErrDegenerateEmbedding = errors.New("degenerate embedding: near-zero feature response")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrNoMaskProduced      = errors.New("no mask produced for prompt")
	ErrMaskSizeMismatch    = errors.New("mask size mismatch")
	ErrInvalidConfig       = errors.New("invalid config")
	ErrInvalidPrompt       = errors.New("invalid prompt")
	ErrImageLoad           = errors.New("image load failed")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
)

// ErrorKind classifies a failure recorded on a PerImageResult.
type ErrorKind string

const (
	KindEmptyMask           ErrorKind = "empty_mask"
	KindDegenerateEmbedding ErrorKind = "degenerate_embedding"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindNoMaskProduced      ErrorKind = "no_mask_produced"
	KindImageLoad           ErrorKind = "image_load"
	KindCanceled            ErrorKind = "canceled"
	KindInternal            ErrorKind = "internal"
)

// KindOf maps an error to the kind reported to callers.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrEmptyMask):
		return KindEmptyMask
	case errors.Is(err, ErrDegenerateEmbedding):
		return KindDegenerateEmbedding
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrNoMaskProduced):
		return KindNoMaskProduced
	case errors.Is(err, ErrImageLoad):
		return KindImageLoad
	default:
		return KindInternal
	}
}

// ReferenceConstructionError aborts a run: nothing can be matched without
// a reference instance.
type ReferenceConstructionError struct {
	ImageID string
	Err     error
}

func (e *ReferenceConstructionError) Error() string {
	return fmt.Sprintf("build reference from %s: %v", e.ImageID, e.Err)
}

func (e *ReferenceConstructionError) Unwrap() error {
	return e.Err
}
