package loader

import "errors"

// Sentinel errors surfaced by the session manager. Wrap with
// fmt.Errorf("...: %w", err) at call sites needing more context; branch
// with errors.Is against these.
var (
	// ErrTimeout is returned when an armed deadline elapses waiting on
	// the target.
	ErrTimeout = errors.New("loader: timed out waiting for response")

	// ErrInvalidResponse is returned when the target's status tail
	// reports failure.
	ErrInvalidResponse = errors.New("loader: target reported command failure")

	// ErrInvalidMD5 is returned when the locally computed digest
	// disagrees with the one the target reports.
	ErrInvalidMD5 = errors.New("loader: flash digest mismatch")

	// ErrInvalidParam is returned when a caller precondition is
	// violated, e.g. a write larger than the negotiated block size.
	ErrInvalidParam = errors.New("loader: invalid parameter")

	// ErrImageSize is returned when an image does not fit in the probed
	// flash size.
	ErrImageSize = errors.New("loader: image does not fit in flash")

	// ErrUnsupportedChip is returned when chip detection can't match a
	// known target, or a JEDEC size byte falls outside the known range.
	ErrUnsupportedChip = errors.New("loader: unrecognized or unsupported chip")

	// ErrUnsupportedFunc is returned when a command is not supported on
	// the currently connected target (e.g. digest verify on ESP8266).
	ErrUnsupportedFunc = errors.New("loader: command not supported on this target")
)
