package daemon

import (
	"fmt"
	"io"

	"github.com/nixcask/nix-daemon-proxy/pkg/wire"
)

const defaultFrameSize = 4096

// FramedReader reads the framed source sub-protocol from an underlying
// reader: a sequence of uint64-length-prefixed chunks, terminated by a
// zero-length chunk. Unlike the string/byte-string encoding in package
// wire, chunks carry no alignment padding — the length prefix is followed
// immediately by that many content bytes, then immediately by the next
// chunk's length prefix.
type FramedReader struct {
	r         io.Reader
	remaining uint64
	done      bool
}

// NewFramedReader creates a FramedReader that reads framed data from r.
func NewFramedReader(r io.Reader) *FramedReader {
	return &FramedReader{r: r}
}

// Read implements io.Reader, transparently advancing across chunk
// boundaries. It returns io.EOF once the terminating zero-length chunk has
// been consumed, and ErrTruncatedFramedSource (wrapped) if the underlying
// reader is exhausted before that terminator appears.
func (fr *FramedReader) Read(p []byte) (int, error) {
	if fr.done {
		return 0, io.EOF
	}

	if fr.remaining == 0 {
		length, err := wire.ReadUint64(fr.r)
		if err != nil {
			if err == io.ErrUnexpectedEOF { //nolint:errorlint
				return 0, fmt.Errorf("%w: %v", ErrTruncatedFramedSource, err)
			}

			return 0, err
		}

		if length == 0 {
			fr.done = true

			return 0, io.EOF
		}

		fr.remaining = length
	}

	toRead := uint64(len(p))
	if toRead > fr.remaining {
		toRead = fr.remaining
	}

	n, err := fr.r.Read(p[:toRead])
	fr.remaining -= uint64(n)

	if err == io.EOF && fr.remaining > 0 { //nolint:errorlint
		err = fmt.Errorf("%w: %v", ErrTruncatedFramedSource, io.ErrUnexpectedEOF)
	}

	return n, err
}

// FramedWriter writes the framed source sub-protocol to an underlying
// writer. Data written via Write is buffered and flushed as a chunk once
// the buffer reaches defaultFrameSize; Close flushes any remaining
// buffered bytes and writes the terminating zero-length chunk.
type FramedWriter struct {
	w      io.Writer
	buf    []byte
	closed bool
}

// NewFramedWriter creates a FramedWriter that writes framed data to w.
func NewFramedWriter(w io.Writer) *FramedWriter {
	return &FramedWriter{
		w:   w,
		buf: make([]byte, 0, defaultFrameSize),
	}
}

// Write buffers data and flushes full chunks as needed.
func (fw *FramedWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, fmt.Errorf("daemon: write to closed FramedWriter")
	}

	written := 0

	for len(p) > 0 {
		space := cap(fw.buf) - len(fw.buf)
		if space > len(p) {
			space = len(p)
		}

		fw.buf = append(fw.buf, p[:space]...)
		p = p[space:]
		written += space

		if len(fw.buf) == cap(fw.buf) {
			if err := fw.flush(); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// Close flushes any remaining buffered data as a chunk and writes the
// terminating zero-length chunk. It does not close the underlying writer.
func (fw *FramedWriter) Close() error {
	if fw.closed {
		return nil
	}

	fw.closed = true

	if len(fw.buf) > 0 {
		if err := fw.flush(); err != nil {
			return err
		}
	}

	return wire.WriteUint64(fw.w, 0)
}

func (fw *FramedWriter) flush() error {
	n := uint64(len(fw.buf))
	if n == 0 {
		return nil
	}

	if err := wire.WriteUint64(fw.w, n); err != nil {
		return err
	}

	if _, err := fw.w.Write(fw.buf); err != nil {
		return err
	}

	fw.buf = fw.buf[:0]

	return nil
}
