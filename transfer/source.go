package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/opd-ai/beam/wire"
)

// Meta describes the file being transferred, as announced in the file-meta
// control message.
type Meta struct {
	Name     string
	Size     uint64
	MimeType string
	Checksum string // optional SHA-256 hex digest
}

// Source is the sender's read-only view of a file. Reads are ranged so an
// arbitrarily large file is never materialised in memory.
type Source struct {
	reader io.ReaderAt
	meta   Meta
}

// NewSource wraps a random-access reader with its metadata.
func NewSource(reader io.ReaderAt, meta Meta) *Source {
	return &Source{reader: reader, meta: meta}
}

// OpenFile opens a file on disk as a transfer source. The MIME type is
// derived from the file extension; unknown extensions fall back to
// application/octet-stream.
func OpenFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &Source{
		reader: f,
		meta: Meta{
			Name:     filepath.Base(path),
			Size:     uint64(info.Size()),
			MimeType: mimeType,
		},
	}, nil
}

// Meta returns the file metadata.
func (s *Source) Meta() Meta {
	return s.meta
}

// TotalChunks returns ceil(size / ChunkSize).
func (s *Source) TotalChunks() uint32 {
	return uint32((s.meta.Size + wire.ChunkSize - 1) / wire.ChunkSize)
}

// ReadChunk reads chunk index from the source. Every chunk is ChunkSize
// bytes except the final one, which holds the remainder.
func (s *Source) ReadChunk(index uint32) ([]byte, error) {
	offset := uint64(index) * wire.ChunkSize
	if offset >= s.meta.Size {
		return nil, fmt.Errorf("chunk %d out of range for %d-byte source", index, s.meta.Size)
	}

	length := uint64(wire.ChunkSize)
	if offset+length > s.meta.Size {
		length = s.meta.Size - offset
	}

	buf := make([]byte, length)
	n, err := s.reader.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	if uint64(n) != length {
		return nil, fmt.Errorf("read chunk %d: short read %d of %d bytes", index, n, length)
	}

	return buf, nil
}

// AttachChecksum computes the SHA-256 digest of the source and records it
// in the metadata so receivers can verify the assembled artifact.
func (s *Source) AttachChecksum() error {
	digest, err := checksumReaderAt(s.reader, s.meta.Size)
	if err != nil {
		return err
	}
	s.meta.Checksum = digest
	return nil
}

// Close releases the underlying reader when it is closable.
func (s *Source) Close() error {
	if closer, ok := s.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// checksumReaderAt hashes size bytes of r in chunk-sized pieces.
func checksumReaderAt(r io.ReaderAt, size uint64) (string, error) {
	h := sha256.New()
	buf := make([]byte, wire.ChunkSize)

	var offset uint64
	for offset < size {
		n := uint64(len(buf))
		if offset+n > size {
			n = size - offset
		}
		read, err := r.ReadAt(buf[:n], int64(offset))
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("checksum read at %d: %w", offset, err)
		}
		if uint64(read) != n {
			return "", fmt.Errorf("checksum short read at %d", offset)
		}
		h.Write(buf[:n])
		offset += n
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
