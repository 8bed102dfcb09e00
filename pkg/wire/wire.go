// Package wire implements the primitive binary encoding used by the Nix
// daemon worker protocol: little-endian u64 integers, booleans encoded as
// u64, and length-prefixed byte strings padded to an 8-byte boundary.
//
// Every helper in this package operates on a single value at a time; the
// higher-level record and sequence encodings in pkg/daemon are built out of
// repeated calls into here.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxStringSize is the ceiling applied by callers that don't have a
// more specific bound in mind. 4 GiB matches the policy recommended for
// the wire's length prefixes: large enough to never reject a legitimate
// payload, small enough to refuse to allocate for a corrupt or hostile one.
const DefaultMaxStringSize = 4 << 30

// TooLargeError is returned by ReadBytes/ReadString when a length prefix
// exceeds the caller-supplied ceiling.
type TooLargeError struct {
	Len uint64
	Max uint64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("wire: length %d exceeds maximum %d", e.Len, e.Max)
}

// ReadUint64 reads a single little-endian u64 from r.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, unexpectedEOF(err)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes n to w as a little-endian u64.
func WriteUint64(w io.Writer, n uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], n)

	_, err := w.Write(buf[:])

	return err
}

// ReadBool reads a u64 and reports whether it is non-zero. Per the wire
// protocol, zero means false and any other value means true.
func ReadBool(r io.Reader) (bool, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return false, err
	}

	return n != 0, nil
}

// WriteBool writes b as a u64: 1 for true, 0 for false.
func WriteBool(w io.Writer, b bool) error {
	var n uint64
	if b {
		n = 1
	}

	return WriteUint64(w, n)
}

// padLen returns the number of zero bytes needed to round n up to the next
// multiple of 8.
func padLen(n uint64) uint64 {
	return (8 - (n % 8)) % 8
}

// ReadBytes reads a length-prefixed byte string: a u64 count, that many
// bytes, then alignment padding up to the next multiple of 8. The padding
// bytes are read and discarded; their contents are not validated, matching
// the wire protocol's laxness about pad content (only Write is required to
// zero it).
//
// maxSize bounds the accepted length prefix so a corrupt or hostile stream
// cannot force an unbounded allocation.
func ReadBytes(r io.Reader, maxSize uint64) ([]byte, error) {
	length, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}

	if length > maxSize {
		return nil, &TooLargeError{Len: length, Max: maxSize}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, unexpectedEOF(err)
	}

	if pad := padLen(length); pad > 0 {
		var padBuf [8]byte

		if _, err := io.ReadFull(r, padBuf[:pad]); err != nil {
			return nil, unexpectedEOF(err)
		}
	}

	return buf, nil
}

// WriteBytes writes b as a length-prefixed byte string followed by zero
// padding to the next 8-byte boundary.
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint64(w, uint64(len(b))); err != nil {
		return err
	}

	if _, err := w.Write(b); err != nil {
		return err
	}

	if pad := padLen(uint64(len(b))); pad > 0 {
		var padBuf [8]byte

		if _, err := w.Write(padBuf[:pad]); err != nil {
			return err
		}
	}

	return nil
}

// ReadString is ReadBytes with the result converted to a string. Strings on
// the wire are opaque byte sequences; UTF-8 is never enforced.
func ReadString(r io.Reader, maxSize uint64) (string, error) {
	b, err := ReadBytes(r, maxSize)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// WriteString is WriteBytes over a string's bytes.
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// unexpectedEOF normalizes io.EOF to io.ErrUnexpectedEOF. Every read in
// this package expects at least one byte, so a stream that ends before the
// first byte is reported the same way as a truncated message; a caller that
// needs to tell a clean close apart has to check for EOF before reading.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}

	return err
}
