package core

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestBOMSkippingReader(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "file with BOM",
			input:    append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello;world")...),
			expected: "hello;world",
		},
		{
			name:     "file without BOM",
			input:    []byte("hello;world"),
			expected: "hello;world",
		},
		{
			name:     "empty file",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "only BOM",
			input:    []byte{0xEF, 0xBB, 0xBF},
			expected: "",
		},
		{
			name:     "partial BOM at start",
			input:    []byte{0xEF, 0xBB, 'a', 'b', 'c'},
			expected: string([]byte{0xEF, 0xBB, 'a', 'b', 'c'}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewBOMSkippingReader(bytes.NewReader(tt.input))
			result, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestStreamingUTF8Sanitizer(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "valid ASCII",
			input:    []byte("hello;world"),
			expected: "hello;world",
		},
		{
			name:     "valid multibyte",
			input:    []byte("São Paulo"),
			expected: "São Paulo",
		},
		{
			name:     "invalid single byte replaced",
			input:    []byte{'h', 'e', 0x80, 'l', 'o'},
			expected: "he?lo",
		},
		{
			name:     "truncated rune at EOF replaced",
			input:    []byte{'a', 0xC3},
			expected: "a?",
		},
		{
			name:     "empty input",
			input:    []byte{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewStreamingUTF8Sanitizer(bytes.NewReader(tt.input))
			result, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestStreamingUTF8Sanitizer_SplitRune(t *testing.T) {
	// One byte per Read splits every multi-byte rune across calls
	input := "Ação;Município"
	reader := NewStreamingUTF8Sanitizer(iotest.OneByteReader(strings.NewReader(input)))

	result, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != input {
		t.Errorf("got %q, want %q", result, input)
	}
}

func TestNewDecodingReader(t *testing.T) {
	// "Ação" in ISO-8859-1
	latin1 := []byte{'A', 0xE7, 0xE3, 'o'}

	tests := []struct {
		name     string
		encoding string
		input    []byte
		expected string
		wantErr  bool
	}{
		{"latin1", "latin1", latin1, "Ação", false},
		{"iso alias", "ISO-8859-1", latin1, "Ação", false},
		{"windows-1252", "windows-1252", latin1, "Ação", false},
		{"utf8 passthrough", "utf-8", []byte("Ação"), "Ação", false},
		{"unsupported", "ebcdic", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewDecodingReader(bytes.NewReader(tt.input), tt.encoding)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestWrapForStreaming(t *testing.T) {
	input := []byte{'"', 'J', 'O', 0xC3, 'O', '"', ';', '1'} // "JOÃO";1 in Latin-1

	reader, counter, err := WrapForStreaming(bytes.NewReader(input), "latin1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(result) != `"JOÃO";1` {
		t.Errorf("got %q, want %q", result, `"JOÃO";1`)
	}
	if counter.BytesRead() != int64(len(input)) {
		t.Errorf("BytesRead = %d, want %d", counter.BytesRead(), len(input))
	}
}
