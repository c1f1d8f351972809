package codec

import (
	"fmt"
)

// BinaryCodec passes raw bytes through untouched. It suits methods whose
// payload is already an opaque blob, such as a session key or an encoded
// media description.
//
// Encode accepts []byte, *[]byte and string; Decode fills *[]byte or *string.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("BinaryCodec: cannot encode %T", v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch out := v.(type) {
	case *[]byte:
		// the body may alias a buffer owned by the caller
		*out = append((*out)[:0], data...)
		return nil
	case *string:
		*out = string(data)
		return nil
	}
	return fmt.Errorf("BinaryCodec: cannot decode into %T", v)
}

func (c *BinaryCodec) Name() string {
	return "binary"
}
