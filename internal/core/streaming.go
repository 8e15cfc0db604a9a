package core

// streaming.go provides constant-memory readers for payload processing.
//
//   - NewDecodingReader: transcodes Latin-1 / Windows-1252 payloads to UTF-8
//   - BOMSkippingReader: removes a leading UTF-8 BOM
//   - StreamingUTF8Sanitizer: replaces invalid UTF-8 bytes with '?'
//   - CountingReader: tracks bytes read for metrics
//
// Use WrapForStreaming to apply them in the correct order.

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// NewDecodingReader returns a reader that yields UTF-8 for a payload in the
// named encoding.
func NewDecodingReader(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "latin1", "latin-1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1.NewDecoder().Reader(r), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(r), nil
	case "utf-8", "utf8", "":
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// BOMSkippingReader wraps an io.Reader and skips the UTF-8 BOM if present.
type BOMSkippingReader struct {
	br      *bufio.Reader
	checked bool
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{br: bufio.NewReader(r)}
}

// Read implements io.Reader.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		if head, err := r.br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
			r.br.Discard(len(utf8BOM))
		}
	}
	return r.br.Read(p)
}

// StreamingUTF8Sanitizer replaces invalid UTF-8 bytes with '?' on the fly.
// Multi-byte sequences split across reads are carried over, so a valid rune
// is never mangled by a buffer boundary.
type StreamingUTF8Sanitizer struct {
	reader  io.Reader
	pending []byte
	out     []byte
	err     error
}

// NewStreamingUTF8Sanitizer creates a new streaming UTF-8 sanitizer.
func NewStreamingUTF8Sanitizer(r io.Reader) *StreamingUTF8Sanitizer {
	return &StreamingUTF8Sanitizer{reader: r}
}

// Read implements io.Reader.
func (s *StreamingUTF8Sanitizer) Read(p []byte) (int, error) {
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		s.fill(len(p))
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *StreamingUTF8Sanitizer) fill(size int) {
	if size < utf8.UTFMax {
		size = utf8.UTFMax
	}
	buf := make([]byte, len(s.pending)+size)
	copy(buf, s.pending)
	n, err := s.reader.Read(buf[len(s.pending):])
	data := buf[:len(s.pending)+n]
	s.pending = s.pending[:0]
	s.err = err
	atEOF := err != nil

	clean := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if data[i] < utf8.RuneSelf {
			clean = append(clean, data[i])
			i++
			continue
		}
		if !atEOF && !utf8.FullRune(data[i:]) {
			s.pending = append(s.pending, data[i:]...)
			break
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			clean = append(clean, '?')
		} else {
			clean = append(clean, data[i:i+size]...)
		}
		i += size
	}
	s.out = clean
}

// CountingReader wraps an io.Reader to track bytes read.
type CountingReader struct {
	reader io.Reader
	n      atomic.Int64
}

// NewCountingReader creates a counting reader.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{reader: r}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.n.Add(int64(n))
	return n, err
}

// BytesRead returns the bytes read so far.
func (r *CountingReader) BytesRead() int64 {
	return r.n.Load()
}

// WrapForStreaming counts the raw bytes, decodes them from encoding, strips a
// BOM and sanitizes UTF-8.
//
// The order matters:
// 1. Counting sees the raw payload size
// 2. Decoding turns single-byte charsets into UTF-8
// 3. BOM must be stripped before any CSV parsing
// 4. Sanitization catches anything left invalid
func WrapForStreaming(r io.Reader, encoding string) (io.Reader, *CountingReader, error) {
	counter := NewCountingReader(r)
	decoded, err := NewDecodingReader(counter, encoding)
	if err != nil {
		return nil, nil, err
	}
	return NewStreamingUTF8Sanitizer(NewBOMSkippingReader(decoded)), counter, nil
}
