// Package codec converts typed method arguments and results to the opaque
// bytes carried in frame bodies. The transport never looks inside a body;
// both peers only have to agree on the codec per method.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeMsgpack CodecType = 2
	CodecTypeProto   CodecType = 3
)

var ErrUnknownCodec = errors.New("codec: unknown codec")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeBinary:
		return &BinaryCodec{}
	case CodecTypeMsgpack:
		return &MsgpackCodec{}
	case CodecTypeProto:
		return &ProtoCodec{}
	default:
		return &JSONCodec{}
	}
}

// ByName resolves a codec from configuration. A "+snappy" suffix wraps the
// codec with snappy compression, e.g. "msgpack+snappy".
func ByName(name string) (Codec, error) {
	const snappySuffix = "+snappy"
	if base, ok := strings.CutSuffix(name, snappySuffix); ok && base != "" {
		inner, err := ByName(base)
		if err != nil {
			return nil, err
		}
		return Snappy(inner), nil
	}

	switch name {
	case "", "json":
		return GetCodec(CodecTypeJSON), nil
	case "binary":
		return GetCodec(CodecTypeBinary), nil
	case "msgpack":
		return GetCodec(CodecTypeMsgpack), nil
	case "proto":
		return GetCodec(CodecTypeProto), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}
