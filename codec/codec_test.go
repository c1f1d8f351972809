package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

type loginArgs struct {
	User  string   `json:"user"`
	Token string   `json:"token"`
	Rooms []string `json:"rooms"`
}

func checkLogin(t *testing.T, c Codec) {
	t.Helper()
	in := loginArgs{User: "alice", Token: "t0k3n", Rooms: []string{"lobby", "voice-1"}}

	data, err := c.Encode(&in)
	if err != nil {
		t.Fatalf("%s Encode failed: %v", c.Name(), err)
	}

	var out loginArgs
	if err := c.Decode(data, &out); err != nil {
		t.Fatalf("%s Decode failed: %v", c.Name(), err)
	}
	if out.User != in.User || out.Token != in.Token {
		t.Errorf("%s mismatch: got %+v, want %+v", c.Name(), out, in)
	}
	if len(out.Rooms) != 2 || out.Rooms[1] != "voice-1" {
		t.Errorf("%s rooms mismatch: got %v", c.Name(), out.Rooms)
	}
}

func TestJSONCodec(t *testing.T) {
	checkLogin(t, &JSONCodec{})
}

func TestMsgpackCodec(t *testing.T) {
	checkLogin(t, &MsgpackCodec{})
}

func TestSnappyCodec(t *testing.T) {
	c := Snappy(&JSONCodec{})
	checkLogin(t, c)

	if c.Name() != "json+snappy" {
		t.Fatalf("unexpected name %q", c.Name())
	}
	if err := c.Decode([]byte("not snappy at all"), &loginArgs{}); err == nil {
		t.Fatal("expect corrupt input to fail")
	}
}

func TestSnappyRejectsOversizedBody(t *testing.T) {
	// five bytes that claim to expand to almost 4 GiB
	bomb := []byte{0x80, 0x80, 0x80, 0x80, 0x0F}
	if err := Snappy(&JSONCodec{}).Decode(bomb, &loginArgs{}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expect ErrTooLarge, got %v", err)
	}

	small := SnappyLimit(&JSONCodec{}, 16)
	data, err := small.Encode(&loginArgs{User: "alice", Token: "t0k3n"})
	if err != nil {
		t.Fatal(err)
	}
	if err := small.Decode(data, &loginArgs{}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expect ErrTooLarge under a 16 byte limit, got %v", err)
	}
	checkLogin(t, SnappyLimit(&JSONCodec{}, 1024))
}

func TestEmptyBodyDecodesToZeroValue(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &MsgpackCodec{}, Snappy(&JSONCodec{})} {
		var out loginArgs
		if err := c.Decode(nil, &out); err != nil {
			t.Fatalf("%s: empty body should decode, got %v", c.Name(), err)
		}
	}
}

func TestBinaryCodec(t *testing.T) {
	c := &BinaryCodec{}

	data, err := c.Encode("sdp-offer")
	if err != nil {
		t.Fatalf("BinaryCodec Encode failed: %v", err)
	}

	var s string
	if err := c.Decode(data, &s); err != nil {
		t.Fatalf("BinaryCodec Decode failed: %v", err)
	}
	if s != "sdp-offer" {
		t.Errorf("got %q", s)
	}

	var b []byte
	if err := c.Decode([]byte{1, 2, 3}, &b); err != nil || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("byte slice decode: %v %v", b, err)
	}

	if _, err := c.Encode(42); err == nil {
		t.Error("expect ints to be rejected")
	}
}

func TestProtoCodec(t *testing.T) {
	c := &ProtoCodec{}

	data, err := c.Encode(wrapperspb.String("alice"))
	if err != nil {
		t.Fatalf("ProtoCodec Encode failed: %v", err)
	}
	out := &wrapperspb.StringValue{}
	if err := c.Decode(data, out); err != nil {
		t.Fatalf("ProtoCodec Decode failed: %v", err)
	}
	if out.GetValue() != "alice" {
		t.Errorf("got %q", out.GetValue())
	}

	if _, err := c.Encode(&loginArgs{}); err == nil || !strings.Contains(err.Error(), "proto.Message") {
		t.Errorf("expect non-proto values to be rejected, got %v", err)
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "binary", "msgpack", "proto", "msgpack+snappy"} {
		c, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("ByName(%q).Name() = %q", name, c.Name())
		}
	}
	if _, err := ByName("+snappy"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("a bare suffix must not resolve, got %v", err)
	}
	if _, err := ByName("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expect ErrUnknownCodec, got %v", err)
	}
}
