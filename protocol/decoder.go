package protocol

// Decoder turns a byte stream into frames without blocking. Bytes are pushed
// with Feed as they arrive from the socket and complete frames are pulled with
// Next. A Decoder is owned by a single read loop and is not safe for
// concurrent use.
type Decoder struct {
	limits Limits
	buf    []byte
	off    int
}

// NewDecoder returns a decoder enforcing limits.
func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends p to the internal buffer. p may be reused by the caller.
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	d.compact()
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame. It returns ErrNeedMoreData when the
// buffer holds no complete frame, and an error wrapping ErrMalformed when the
// stream is corrupt; after that the decoder must be discarded.
//
// The returned frame owns its body; it stays valid after further Feed calls.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf[d.off:], d.limits)
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, len(f.Body))
	copy(body, f.Body)
	f.Body = body
	d.off += n
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return f, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// compact drops consumed bytes once they dominate the buffer.
func (d *Decoder) compact() {
	if d.off == 0 || d.off < len(d.buf)/2 {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}
