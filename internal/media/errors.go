package media

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/paksync/internal/pak"
)

var (
	ErrFormatUnknown     = errors.New("unrecognized media format")
	ErrInvalidSlotTarget = errors.New("invalid slot target")
	ErrInvalidPayload    = errors.New("invalid slot payload")

	ErrIndexCorrupt = pak.ErrIndexCorrupt
	ErrNoSpace      = pak.ErrNoSpace
	ErrInvariant    = pak.ErrInvariant
)

type DecodeReason int

const (
	ReasonWrongSize DecodeReason = iota + 1
	ReasonBadMagic
	ReasonChecksum
	ReasonUnsupportedLayout
	ReasonTruncated
)

func (r DecodeReason) String() string {
	switch r {
	case ReasonWrongSize:
		return "wrong size"
	case ReasonBadMagic:
		return "bad magic"
	case ReasonChecksum:
		return "checksum mismatch"
	case ReasonUnsupportedLayout:
		return "unsupported layout"
	case ReasonTruncated:
		return "truncated"
	default:
		return "invalid"
	}
}

type DecodeError struct {
	Format Format
	Reason DecodeReason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Format, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(f Format, reason DecodeReason, err error) error {
	return &DecodeError{Format: f, Reason: reason, Err: err}
}

// pakDecodeError maps pak parse failures onto decode reasons. Index
// corruption is returned as is so callers can tell it apart.
func pakDecodeError(f Format, err error) error {
	switch {
	case errors.Is(err, pak.ErrIndexCorrupt):
		return fmt.Errorf("decode %s: %w", f, err)
	case errors.Is(err, pak.ErrBadSize):
		return decodeErr(f, ReasonWrongSize, err)
	case errors.Is(err, pak.ErrBadIDBlock):
		return decodeErr(f, ReasonChecksum, err)
	case errors.Is(err, pak.ErrUnsupportedLayout):
		return decodeErr(f, ReasonUnsupportedLayout, err)
	default:
		return decodeErr(f, ReasonTruncated, err)
	}
}
