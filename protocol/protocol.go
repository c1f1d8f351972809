// Package protocol implements the binary frame format shared by every
// signal-rpc connection.
//
// A frame carries a method key, an optional correlation id and an opaque body.
// All integers are big-endian (network byte order). The id is only present on
// the wire when the tag byte is non-zero:
//
//	+----------+=====+-----------+======+===========+======+
//	| KEY_SIZE | KEY | IS_TAGGED |  ID  | BODY_SIZE | BODY |
//	+----------+=====+-----------+======+===========+======+
//	    u16      var.   1 byte     u32      u32        var.
//
// Frames are self-delimiting, so many of them can be pipelined on one TCP
// stream. The receiver never trusts the declared sizes: both are checked
// against Limits before any buffer for the payload is allocated.
package protocol

import (
	"encoding/binary"
	"io"
	"math"
)

const (
	KeySizeLen  = 2 // u16 key length prefix
	TagLen      = 1 // is_tagged flag
	IDLen       = 4 // u32 correlation id, tagged frames only
	BodySizeLen = 4 // u32 body length prefix

	// MinFrameLen is the size of an untagged frame with empty key and body.
	MinFrameLen = KeySizeLen + TagLen + BodySizeLen

	// MaxKeySizeLimit is the largest key the u16 length prefix can describe.
	MaxKeySizeLimit = math.MaxUint16

	DefaultMaxKeySize  = 1024
	DefaultMaxBodySize = 8 * 1024 * 1024
)

// Frame is one message unit on the wire.
//
// ID is meaningful only when Tagged is set; encoders ignore it otherwise and
// decoders leave it zero.
type Frame struct {
	Key    string
	Tagged bool
	ID     uint32
	Body   []byte
}

// Limits bounds the sizes a peer may declare. Decoding a frame that exceeds
// them fails with ErrMalformed; encoding one fails with ErrKeyTooLarge or
// ErrBodyTooLarge.
type Limits struct {
	MaxKeySize  int
	MaxBodySize uint32
}

// DefaultLimits returns limits suitable for signaling traffic: method names
// are short and bodies are small control payloads.
func DefaultLimits() Limits {
	return Limits{
		MaxKeySize:  DefaultMaxKeySize,
		MaxBodySize: DefaultMaxBodySize,
	}
}

func (l Limits) normalize() Limits {
	if l.MaxKeySize <= 0 || l.MaxKeySize > MaxKeySizeLimit {
		l.MaxKeySize = MaxKeySizeLimit
	}
	if l.MaxBodySize == 0 {
		l.MaxBodySize = DefaultLimits().MaxBodySize
	}
	return l
}

// Size returns the encoded length of f.
func (f Frame) Size() int {
	n := KeySizeLen + len(f.Key) + TagLen + BodySizeLen + len(f.Body)
	if f.Tagged {
		n += IDLen
	}
	return n
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame, limits Limits) ([]byte, error) {
	limits = limits.normalize()
	if len(f.Key) > limits.MaxKeySize {
		return dst, ErrKeyTooLarge
	}
	if uint64(len(f.Body)) > uint64(limits.MaxBodySize) {
		return dst, ErrBodyTooLarge
	}

	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Key)))
	dst = append(dst, f.Key...)
	if f.Tagged {
		dst = append(dst, 1)
		dst = binary.BigEndian.AppendUint32(dst, f.ID)
	} else {
		dst = append(dst, 0)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Body)))
	dst = append(dst, f.Body...)
	return dst, nil
}

// Encode returns the wire encoding of f.
func Encode(f Frame, limits Limits) ([]byte, error) {
	return AppendFrame(make([]byte, 0, f.Size()), f, limits)
}

// WriteFrame encodes f and writes it to w with a single Write call.
// Callers sharing w across goroutines must still serialize calls, since a
// short write on a stream would leave a partial frame behind.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode parses one frame from the start of b. It returns the frame and the
// number of bytes consumed. If b holds only part of a frame, Decode returns
// ErrNeedMoreData and consumes nothing. The returned body aliases b.
func Decode(b []byte, limits Limits) (Frame, int, error) {
	limits = limits.normalize()

	if len(b) < KeySizeLen {
		return Frame{}, 0, ErrNeedMoreData
	}
	keyLen := int(binary.BigEndian.Uint16(b))
	if keyLen > limits.MaxKeySize {
		return Frame{}, 0, malformedf("key size %d exceeds limit %d", keyLen, limits.MaxKeySize)
	}
	off := KeySizeLen
	if len(b) < off+keyLen+TagLen {
		return Frame{}, 0, ErrNeedMoreData
	}
	key := b[off : off+keyLen]
	off += keyLen

	tagged := b[off] != 0
	off += TagLen

	var id uint32
	if tagged {
		if len(b) < off+IDLen {
			return Frame{}, 0, ErrNeedMoreData
		}
		id = binary.BigEndian.Uint32(b[off:])
		off += IDLen
	}

	if len(b) < off+BodySizeLen {
		return Frame{}, 0, ErrNeedMoreData
	}
	bodyLen := binary.BigEndian.Uint32(b[off:])
	if bodyLen > limits.MaxBodySize {
		return Frame{}, 0, malformedf("body size %d exceeds limit %d", bodyLen, limits.MaxBodySize)
	}
	off += BodySizeLen

	end := off + int(bodyLen)
	if len(b) < end {
		return Frame{}, 0, ErrNeedMoreData
	}

	return Frame{
		Key:    string(key),
		Tagged: tagged,
		ID:     id,
		Body:   b[off:end:end],
	}, end, nil
}
