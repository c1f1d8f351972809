package codec

import (
	ugorji "github.com/ugorji/go/codec"
)

var msgpackHandle = func() *ugorji.MsgpackHandle {
	h := &ugorji.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	return h
}()

// MsgpackCodec encodes with MessagePack. Struct fields are named by their
// codec or json tags, so the same types serve both codecs.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var out []byte
	if err := ugorji.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return ugorji.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

func (c *MsgpackCodec) Name() string {
	return "msgpack"
}
