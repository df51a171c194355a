package wire

import (
	"encoding/binary"
	"fmt"
)

// maxLen bounds length-prefixed reads to guard against a corrupt or
// hostile length field causing an unbounded allocation.
const maxLen = 64 << 20

// Writer accumulates a message body using the wire format's primitives.
// It never returns an error itself (bytes.Buffer-backed writes can't
// fail); errors only arise on the reading side.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated, encoded message body.
func (w *Writer) Bytes() []byte { return w.buf }

// U8 appends a single byte.
func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

// U32 appends a fixed-width little-endian uint32.
func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// U64 appends a fixed-width little-endian uint64.
func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// I64 appends a fixed-width little-endian int64 (used for Unix nanosecond
// timestamps and durations, which may be expressed as signed values).
func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

// Bool appends a single byte, 1 for true.
func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

// PutBytes appends a length-prefixed byte slice. A nil slice and an empty
// slice both encode as length 0; NilBytes distinguishes "absent" from
// "present but empty" using one leading presence byte.
func (w *Writer) PutBytes(b []byte) {
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// NilBytes appends a presence byte followed by PutBytes if present,
// letting decoders distinguish a nil (absent, e.g. "no filter") field
// from an empty one.
func (w *Writer) NilBytes(b []byte) {
	w.Bool(b != nil)
	if b != nil {
		w.PutBytes(b)
	}
}

// String appends a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.U32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// StringSlice appends a length-prefixed array of length-prefixed strings.
func (w *Writer) StringSlice(ss []string) {
	w.U32(uint32(len(ss)))
	for _, s := range ss {
		w.String(s)
	}
}

// Write implements io.Writer so a Writer can be handed to anything that
// streams bytes into the message body (used by transport framing).
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Reader decodes a message body previously produced by a Writer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("wire: short buffer: need %d more bytes at offset %d, have %d total", n, r.pos, len(r.buf))
	}
	return nil
}

// U8 decodes a single byte.
func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// U32 decodes a fixed-width little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// U64 decodes a fixed-width little-endian uint64.
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// I64 decodes a fixed-width little-endian int64.
func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

// Bool decodes a single byte as a boolean.
func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v == 1, err
}

// Bytes decodes a length-prefixed byte slice.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, fmt.Errorf("wire: length %d exceeds maximum %d", n, maxLen)
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

// NilBytes decodes a presence byte followed by Bytes if present.
func (r *Reader) NilBytes() ([]byte, error) {
	present, err := r.Bool()
	if err != nil || !present {
		return nil, err
	}
	return r.Bytes()
}

// String decodes a length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StringSlice decodes a length-prefixed array of length-prefixed strings.
func (r *Reader) StringSlice() ([]string, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, fmt.Errorf("wire: array length %d exceeds maximum %d", n, maxLen)
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = r.String()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// chainedReader surfaces the first decode error without the caller needing to
// thread it through every call manually, used by message Decode methods
// that chain many field reads.
type chainedReader struct {
	r   *Reader
	err error
}

func chain(r *Reader) *chainedReader { return &chainedReader{r: r} }

func (c *chainedReader) u8() uint8 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.U8()
	c.err = err
	return v
}

func (c *chainedReader) u32() uint32 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.U32()
	c.err = err
	return v
}

func (c *chainedReader) u64() uint64 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.U64()
	c.err = err
	return v
}

func (c *chainedReader) i64() int64 {
	if c.err != nil {
		return 0
	}
	v, err := c.r.I64()
	c.err = err
	return v
}

func (c *chainedReader) boolean() bool {
	if c.err != nil {
		return false
	}
	v, err := c.r.Bool()
	c.err = err
	return v
}

func (c *chainedReader) bytes() []byte {
	if c.err != nil {
		return nil
	}
	v, err := c.r.Bytes()
	c.err = err
	return v
}

func (c *chainedReader) nilBytes() []byte {
	if c.err != nil {
		return nil
	}
	v, err := c.r.NilBytes()
	c.err = err
	return v
}

func (c *chainedReader) str() string {
	if c.err != nil {
		return ""
	}
	v, err := c.r.String()
	c.err = err
	return v
}

func (c *chainedReader) strSlice() []string {
	if c.err != nil {
		return nil
	}
	v, err := c.r.StringSlice()
	c.err = err
	return v
}
