package models

import "errors"

// Error kinds shared by the compositing and analysis pipeline.
// All of them are recoverable at well or channel granularity.
var (
	// ErrInvalidRange reports a display range with low >= high or bounds outside 16 bits
	ErrInvalidRange = errors.New("invalid display range")

	// ErrEmptyMask reports a label mask without any segmented cells
	ErrEmptyMask = errors.New("label mask contains no cells")

	// ErrUnknownWell reports a well id present in metrics but absent from plate metadata
	ErrUnknownWell = errors.New("unknown well")

	// ErrMissingChannel reports a channel name absent from the volume's channel list
	ErrMissingChannel = errors.New("missing channel")

	// ErrNoBackground reports a well channel without label-0 pixels to estimate
	// the background from
	ErrNoBackground = errors.New("no background pixels")

	// ErrMaskNotFound reports that no label mask is stored for a well and channel
	ErrMaskNotFound = errors.New("label mask not found")
)
