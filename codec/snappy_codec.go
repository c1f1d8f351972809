package codec

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// DefaultMaxDecodedLen matches the default frame body limit.
const DefaultMaxDecodedLen = 8 << 20

// ErrTooLarge is returned when a compressed body claims to expand past the
// codec's limit. The claim is checked before anything is allocated.
var ErrTooLarge = errors.New("codec: decoded body too large")

type snappyCodec struct {
	inner  Codec
	maxLen int
}

// Snappy compresses whatever inner produces. Large presence snapshots and
// session descriptions shrink well; tiny control messages do not, so wrap
// only the codecs that carry them.
func Snappy(inner Codec) Codec {
	return SnappyLimit(inner, DefaultMaxDecodedLen)
}

// SnappyLimit is Snappy with a custom cap on the decompressed size.
func SnappyLimit(inner Codec, maxLen int) Codec {
	if maxLen <= 0 {
		maxLen = DefaultMaxDecodedLen
	}
	return &snappyCodec{inner: inner, maxLen: maxLen}
}

func (c *snappyCodec) Encode(v any) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c *snappyCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return c.inner.Decode(nil, v)
	}
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return fmt.Errorf("codec: snappy: %w", err)
	}
	if n > c.maxLen {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, c.maxLen)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("codec: snappy: %w", err)
	}
	return c.inner.Decode(raw, v)
}

func (c *snappyCodec) Name() string {
	return c.inner.Name() + "+snappy"
}
