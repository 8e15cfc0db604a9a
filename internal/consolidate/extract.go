package consolidate

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/JonMunkholm/cnpjsync/internal/core"
)

// Payload is the single delimited-text file inside an archive. Read returns
// the raw, undecoded bytes.
type Payload struct {
	Archive string // archive base name
	Entry   string // payload name inside the archive
	Size    uint64 // uncompressed size

	rc io.ReadCloser
	zr *zip.ReadCloser
}

func (p *Payload) Read(b []byte) (int, error) { return p.rc.Read(b) }

// Close releases the payload stream and the archive.
func (p *Payload) Close() error {
	return errors.Join(p.rc.Close(), p.zr.Close())
}

// Extract opens the archive at path and returns its payload. An archive must
// contain exactly one non-directory entry whose checksum matches; anything
// else is an archive defect. The payload is verified in full before it is
// returned, so no row of a corrupt archive reaches an artifact.
func Extract(path string) (*Payload, error) {
	name := filepath.Base(path)

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: not a valid zip archive: %w", core.ErrArchiveDefect, name, err)
	}

	var entries []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, f)
	}

	switch len(entries) {
	case 1:
	case 0:
		zr.Close()
		return nil, fmt.Errorf("%w: %s: no payload", core.ErrArchiveDefect, name)
	default:
		zr.Close()
		return nil, fmt.Errorf("%w: %s: multiple payloads (%d entries)", core.ErrArchiveDefect, name, len(entries))
	}

	entry := entries[0]
	if err := verify(entry); err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: %s: not a valid zip archive: %s: %w", core.ErrArchiveDefect, name, entry.Name, err)
	}

	rc, err := entry.Open()
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: %s: not a valid zip archive: %w", core.ErrArchiveDefect, name, err)
	}

	return &Payload{
		Archive: name,
		Entry:   entry.Name,
		Size:    entry.UncompressedSize64,
		rc:      rc,
		zr:      zr,
	}, nil
}

// verify decompresses f to the end. The zip reader checks the CRC and the
// declared size once the stream is exhausted.
func verify(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, rc)
	return errors.Join(err, rc.Close())
}
