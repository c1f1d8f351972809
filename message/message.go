// Package message defines the reply envelope carried in the body of tagged
// response frames.
//
// The frame codec treats bodies as opaque. Replies need one extra bit of
// information, success or failure, so the responder prefixes the body with a
// status byte:
//
//	success: | 0x00 | payload ...                                  |
//	failure: | 0x01 | code len u16 | code | msg len u16 | message    |
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	StatusOK    byte = 0
	StatusError byte = 1
)

var ErrInvalidReply = errors.New("message: invalid reply envelope")

// Reply is the decoded body of a tagged response.
//
//   - On success: Payload holds the handler result, Err is nil.
//   - On failure: Err describes the typed failure, Payload is empty.
type Reply struct {
	Payload []byte
	Err     *Error
}

// EncodeReply builds the response body for a handler result. A nil err
// produces a success envelope; any other error is converted with AsError.
func EncodeReply(payload []byte, err error) []byte {
	if err == nil {
		buf := make([]byte, 1+len(payload))
		buf[0] = StatusOK
		copy(buf[1:], payload)
		return buf
	}

	e := AsError(err)
	code := truncate(string(e.Code))
	msg := truncate(e.Message)

	buf := make([]byte, 1+2+len(code)+2+len(msg))
	offset := 0

	// Status -- 1 byte
	buf[offset] = StatusError
	offset++

	// Code -- u16 length + bytes
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(code)))
	offset += 2
	offset += copy(buf[offset:], code)

	// Message -- u16 length + bytes
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg)))
	offset += 2
	copy(buf[offset:], msg)
	return buf
}

// DecodeReply parses a response body produced by EncodeReply.
func DecodeReply(data []byte) (Reply, error) {
	if len(data) == 0 {
		return Reply{}, fmt.Errorf("%w: empty body", ErrInvalidReply)
	}

	switch data[0] {
	case StatusOK:
		return Reply{Payload: data[1:]}, nil
	case StatusError:
	default:
		return Reply{}, fmt.Errorf("%w: unknown status %d", ErrInvalidReply, data[0])
	}

	offset := 1
	code, offset, err := readString(data, offset)
	if err != nil {
		return Reply{}, err
	}
	msg, _, err := readString(data, offset)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Err: &Error{Code: Code(code), Message: msg}}, nil
}

// Result returns the payload on success and the typed failure otherwise.
func (r Reply) Result() ([]byte, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Payload, nil
}

func readString(data []byte, offset int) (string, int, error) {
	if len(data) < offset+2 {
		return "", offset, fmt.Errorf("%w: short length at offset %d", ErrInvalidReply, offset)
	}
	n := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if len(data) < offset+n {
		return "", offset, fmt.Errorf("%w: short string at offset %d", ErrInvalidReply, offset)
	}
	return string(data[offset : offset+n]), offset + n, nil
}

func truncate(s string) string {
	if len(s) > math.MaxUint16 {
		return s[:math.MaxUint16]
	}
	return s
}
