package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreData reports that the buffered bytes end inside a frame.
	// It is not a failure: the caller should read more and retry.
	ErrNeedMoreData = errors.New("protocol: need more data")

	// ErrMalformed is fatal to the connection that produced it.
	ErrMalformed = errors.New("protocol: malformed frame")

	ErrKeyTooLarge  = errors.New("protocol: key too large")
	ErrBodyTooLarge = errors.New("protocol: body too large")
)

func malformedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Truncated returns the error reported when a peer stops sending in the
// middle of a frame for longer than the configured frame read timeout.
func Truncated(buffered int) error {
	return malformedf("truncated frame, %d bytes buffered", buffered)
}
