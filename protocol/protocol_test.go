package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func sampleFrames() []Frame {
	return []Frame{
		{Key: "ping", Tagged: true, ID: 7, Body: []byte{}},
		{Key: "UserConnectionUpdate", Body: []byte(`{"user_id":3}`)},
		{Key: "", Body: []byte{}},
		{Key: "GetVoiceChannels", Tagged: true, ID: 0xFFFFFFFF, Body: bytes.Repeat([]byte{0xAB}, 4096)},
		{Key: "k\x00\xff", Tagged: true, ID: 0, Body: []byte{0}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, want := range sampleFrames() {
		buf, err := Encode(want, DefaultLimits())
		if err != nil {
			t.Fatalf("Encode(%q) failed: %v", want.Key, err)
		}
		if len(buf) != want.Size() {
			t.Fatalf("Encode(%q) produced %d bytes, Size() says %d", want.Key, len(buf), want.Size())
		}

		got, n, err := Decode(buf, DefaultLimits())
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", want.Key, err)
		}
		if n != len(buf) {
			t.Errorf("Decode consumed %d bytes, want %d", n, len(buf))
		}
		assertFrame(t, got, want)
	}
}

func TestEncodeWireLayout(t *testing.T) {
	buf, err := Encode(Frame{Key: "ab", Tagged: true, ID: 0x01020304, Body: []byte("xyz")}, DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x00, 0x02, 'a', 'b', // key
		0x01,                   // tagged
		0x01, 0x02, 0x03, 0x04, // id
		0x00, 0x00, 0x00, 0x03, 'x', 'y', 'z', // body
	}
	if !bytes.Equal(buf, want) {
		t.Fatalf("wire layout mismatch:\n got %x\nwant %x", buf, want)
	}

	untagged, err := Encode(Frame{Key: "ab", ID: 99, Body: nil}, DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	want = []byte{0x00, 0x02, 'a', 'b', 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(untagged, want) {
		t.Fatalf("untagged frame must not carry an id:\n got %x\nwant %x", untagged, want)
	}
}

func TestDecodeAnyNonZeroTagByteIsTagged(t *testing.T) {
	buf, _ := Encode(Frame{Key: "a", Tagged: true, ID: 5}, DefaultLimits())
	buf[KeySizeLen+1] = 0x7F
	f, _, err := Decode(buf, DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	if !f.Tagged || f.ID != 5 {
		t.Fatalf("got tagged=%v id=%d, want tagged id 5", f.Tagged, f.ID)
	}
}

func TestDecodePartialNeedsMoreData(t *testing.T) {
	buf, _ := Encode(Frame{Key: "ping", Tagged: true, ID: 1, Body: []byte("hello")}, DefaultLimits())
	for i := 0; i < len(buf); i++ {
		_, n, err := Decode(buf[:i], DefaultLimits())
		if !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("Decode of %d/%d bytes: got %v, want ErrNeedMoreData", i, len(buf), err)
		}
		if n != 0 {
			t.Fatalf("partial decode consumed %d bytes", n)
		}
	}
}

func TestDecodeOversizedKeyIsMalformed(t *testing.T) {
	limits := Limits{MaxKeySize: 8, MaxBodySize: 64}
	// only the size prefix is present: the limit must trip before the key arrives
	buf := binary.BigEndian.AppendUint16(nil, 9)
	_, _, err := Decode(buf, limits)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestDecodeOversizedBodyIsMalformed(t *testing.T) {
	limits := Limits{MaxKeySize: 8, MaxBodySize: 64}
	buf := binary.BigEndian.AppendUint16(nil, 1)
	buf = append(buf, 'k', 0)
	buf = binary.BigEndian.AppendUint32(buf, 1<<31)
	_, _, err := Decode(buf, limits)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	limits := Limits{MaxKeySize: 4, MaxBodySize: 4}
	if _, err := Encode(Frame{Key: "toolong"}, limits); !errors.Is(err, ErrKeyTooLarge) {
		t.Errorf("got %v, want ErrKeyTooLarge", err)
	}
	if _, err := Encode(Frame{Key: "k", Body: []byte("12345")}, limits); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("got %v, want ErrBodyTooLarge", err)
	}
}

func TestWriteFrameSingleWrite(t *testing.T) {
	var w countingWriter
	if err := WriteFrame(&w, Frame{Key: "ping", Tagged: true, ID: 3, Body: []byte("x")}, DefaultLimits()); err != nil {
		t.Fatal(err)
	}
	if w.writes != 1 {
		t.Fatalf("WriteFrame issued %d writes, want 1", w.writes)
	}
	f, _, err := Decode(w.buf.Bytes(), DefaultLimits())
	if err != nil {
		t.Fatal(err)
	}
	assertFrame(t, f, Frame{Key: "ping", Tagged: true, ID: 3, Body: []byte("x")})
}

func TestDecoderChunkedEquivalence(t *testing.T) {
	frames := sampleFrames()
	var stream []byte
	for _, f := range frames {
		var err error
		stream, err = AppendFrame(stream, f, DefaultLimits())
		if err != nil {
			t.Fatal(err)
		}
	}

	whole := drain(t, NewDecoder(DefaultLimits()), [][]byte{stream})
	if len(whole) != len(frames) {
		t.Fatalf("single chunk decoded %d frames, want %d", len(whole), len(frames))
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		var chunks [][]byte
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(7)
			if trial%5 == 0 {
				n = 1 // byte at a time
			}
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		got := drain(t, NewDecoder(DefaultLimits()), chunks)
		if len(got) != len(whole) {
			t.Fatalf("trial %d: decoded %d frames, want %d", trial, len(got), len(whole))
		}
		for i := range got {
			assertFrame(t, got[i], whole[i])
		}
	}
}

func TestDecoderBuffered(t *testing.T) {
	buf, _ := Encode(Frame{Key: "ping", Body: []byte("abc")}, DefaultLimits())
	d := NewDecoder(DefaultLimits())
	d.Feed(buf[:3])
	if _, err := d.Next(); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("got %v, want ErrNeedMoreData", err)
	}
	if d.Buffered() != 3 {
		t.Fatalf("Buffered() = %d, want 3", d.Buffered())
	}
	d.Feed(buf[3:])
	if _, err := d.Next(); err != nil {
		t.Fatal(err)
	}
	if d.Buffered() != 0 {
		t.Fatalf("Buffered() = %d after full frame, want 0", d.Buffered())
	}
}

func TestDecoderBodySurvivesFeed(t *testing.T) {
	a, _ := Encode(Frame{Key: "a", Body: []byte("first")}, DefaultLimits())
	b, _ := Encode(Frame{Key: "b", Body: []byte("second")}, DefaultLimits())
	d := NewDecoder(DefaultLimits())
	d.Feed(append(a, b[:2]...))
	f, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	d.Feed(b[2:])
	if string(f.Body) != "first" {
		t.Fatalf("body changed after Feed: %q", f.Body)
	}
}

func drain(t *testing.T, d *Decoder, chunks [][]byte) []Frame {
	t.Helper()
	var out []Frame
	for _, c := range chunks {
		d.Feed(c)
		for {
			f, err := d.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			out = append(out, f)
		}
	}
	if d.Buffered() != 0 {
		t.Fatalf("%d bytes left in decoder", d.Buffered())
	}
	return out
}

func assertFrame(t *testing.T, got, want Frame) {
	t.Helper()
	if got.Key != want.Key {
		t.Errorf("Key mismatch: got %q, want %q", got.Key, want.Key)
	}
	if got.Tagged != want.Tagged {
		t.Errorf("Tagged mismatch: got %v, want %v", got.Tagged, want.Tagged)
	}
	if want.Tagged && got.ID != want.ID {
		t.Errorf("ID mismatch: got %d, want %d", got.ID, want.ID)
	}
	if !want.Tagged && got.ID != 0 {
		t.Errorf("untagged frame decoded with id %d", got.ID)
	}
	if !bytes.Equal(got.Body, want.Body) {
		t.Errorf("Body mismatch: got %x, want %x", got.Body, want.Body)
	}
}

type countingWriter struct {
	buf    bytes.Buffer
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return w.buf.Write(p)
}

func BenchmarkEncode(b *testing.B) {
	f := Frame{Key: "ListOnlineUsers", Tagged: true, ID: 42, Body: make([]byte, 256)}
	limits := DefaultLimits()
	buf := make([]byte, 0, f.Size())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var err error
		if buf, err = AppendFrame(buf[:0], f, limits); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecoderChunked(b *testing.B) {
	f := Frame{Key: "UserConnectionUpdate", Body: make([]byte, 128)}
	wire, err := Encode(f, DefaultLimits())
	if err != nil {
		b.Fatal(err)
	}
	dec := NewDecoder(DefaultLimits())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		for off := 0; off < len(wire); off += 7 {
			dec.Feed(wire[off:min(off+7, len(wire))])
		}
		if _, err := dec.Next(); err != nil {
			b.Fatal(err)
		}
	}
}
