package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"time"
)

// OER primitives used by the ILPv4 packet format (RFC 0027) and the CCP and
// IL-DCP payloads.

var (
	ErrTruncated      = errors.New("oer: truncated input")
	ErrLengthPrefix   = errors.New("oer: invalid length prefix")
	ErrTrailingBytes  = errors.New("oer: trailing bytes")
	ErrVarUintTooWide = errors.New("oer: variable uint wider than 8 bytes")
)

const timestampLayout = "20060102150405.000"

type writer struct {
	buf []byte
}

func (w *writer) uint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) uint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) length(n int) {
	if n < 128 {
		w.buf = append(w.buf, byte(n))
		return
	}
	width := (bits.Len64(uint64(n)) + 7) / 8
	w.buf = append(w.buf, 0x80|byte(width))
	for i := width - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(n>>(8*i)))
	}
}

func (w *writer) varOctets(b []byte) {
	w.length(len(b))
	w.raw(b)
}

func (w *writer) varString(s string) {
	w.length(len(s))
	w.buf = append(w.buf, s...)
}

func (w *writer) varUint(v uint64) {
	width := max((bits.Len64(v)+7)/8, 1)
	w.length(width)
	for i := width - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(v>>(8*i)))
	}
}

// timestamp writes the fixed 17 byte GeneralizedTime form YYYYMMDDHHmmssSSS.
func (w *writer) timestamp(t time.Time) {
	s := t.UTC().Format(timestampLayout)
	// drop the '.' separator
	w.buf = append(w.buf, s[:14]...)
	w.buf = append(w.buf, s[15:]...)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) length() int {
	first := r.uint8()
	if r.err != nil {
		return 0
	}
	if first < 128 {
		return int(first)
	}
	width := int(first & 0x7f)
	if width == 0 || width > 4 {
		r.err = ErrLengthPrefix
		return 0
	}
	b := r.take(width)
	if b == nil {
		return 0
	}
	n := 0
	for _, x := range b {
		n = n<<8 | int(x)
	}
	return n
}

func (r *reader) varOctets() []byte {
	n := r.length()
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) varString() string {
	return string(r.varOctets())
}

func (r *reader) varUint() uint64 {
	n := r.length()
	if r.err != nil {
		return 0
	}
	if n == 0 || n > 8 {
		r.err = ErrVarUintTooWide
		return 0
	}
	b := r.take(n)
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func (r *reader) timestamp() time.Time {
	b := r.take(17)
	if b == nil {
		return time.Time{}
	}
	s := string(b[:14]) + "." + string(b[14:])
	t, err := time.ParseInLocation(timestampLayout, s, time.UTC)
	if err != nil {
		r.err = fmt.Errorf("oer: invalid timestamp %q: %w", string(b), err)
		return time.Time{}
	}
	return t
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return ErrTrailingBytes
	}
	return nil
}
