package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/opd-ai/beam/wire"
)

// Sink is the receiver's write target. Chunks may arrive in any order;
// implementations place each payload at its final offset.
type Sink interface {
	// WriteChunk persists one chunk at byte offset index*ChunkSize.
	WriteChunk(index uint32, payload []byte) error

	// Close releases the sink. A partially written sink is closed, never
	// deleted; the caller decides what to do with the artifact.
	Close() error
}

// checksummer is implemented by sinks that can produce a digest of the
// written artifact for verification against the announced checksum.
type checksummer interface {
	Checksum(size uint64) (string, error)
}

// SinkProvider acquires a write sink for an announced file, typically by
// asking the environment for a writable location. Returning an error makes
// the receiver fall back to in-memory accumulation.
type SinkProvider func(meta Meta) (Sink, error)

// FileSink streams chunks directly to a random-access file.
type FileSink struct {
	file *os.File
}

// NewFileSink wraps an open file. The receiver takes ownership; the file
// is closed on finalise or teardown.
func NewFileSink(f *os.File) *FileSink {
	return &FileSink{file: f}
}

// CreateFileSink creates (or truncates) path and returns a sink over it.
func CreateFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sink file: %w", err)
	}
	return &FileSink{file: f}, nil
}

// WriteChunk writes the payload at its final offset.
func (s *FileSink) WriteChunk(index uint32, payload []byte) error {
	offset := int64(index) * wire.ChunkSize
	if _, err := s.file.WriteAt(payload, offset); err != nil {
		return fmt.Errorf("%w: chunk %d at offset %d: %v", ErrSinkWrite, index, offset, err)
	}
	return nil
}

// Checksum hashes the first size bytes of the written file.
func (s *FileSink) Checksum(size uint64) (string, error) {
	return checksumReaderAt(s.file, size)
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	return s.file.Close()
}

// MemorySink accumulates chunks in a map keyed by index, for environments
// where no seekable file sink is available.
type MemorySink struct {
	chunks map[uint32][]byte
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{chunks: make(map[uint32][]byte)}
}

// WriteChunk stores a copy of the payload under its index.
func (s *MemorySink) WriteChunk(index uint32, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.chunks[index] = buf
	return nil
}

// Bytes assembles the stored chunks in ascending index order into a single
// artifact.
func (s *MemorySink) Bytes() []byte {
	indices := make([]uint32, 0, len(s.chunks))
	total := 0
	for index, chunk := range s.chunks {
		indices = append(indices, index)
		total += len(chunk)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	out := make([]byte, 0, total)
	for _, index := range indices {
		out = append(out, s.chunks[index]...)
	}
	return out
}

// Checksum hashes the assembled artifact.
func (s *MemorySink) Checksum(size uint64) (string, error) {
	data := s.Bytes()
	if uint64(len(data)) != size {
		return "", fmt.Errorf("assembled %d bytes, expected %d", len(data), size)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Close is a no-op for the in-memory sink.
func (s *MemorySink) Close() error {
	return nil
}

// compile-time interface checks
var (
	_ Sink        = (*FileSink)(nil)
	_ Sink        = (*MemorySink)(nil)
	_ checksummer = (*FileSink)(nil)
	_ checksummer = (*MemorySink)(nil)
)
