package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ChunkSize is the payload size of every chunk except possibly the last.
const ChunkSize = 65536

// HeaderSize is the fixed length of the binary chunk frame header.
const HeaderSize = 8

// ErrMalformedFrame indicates a binary frame whose header and length disagree.
var ErrMalformedFrame = errors.New("malformed chunk frame")

// ErrPayloadTooLarge indicates a chunk payload exceeding ChunkSize.
var ErrPayloadTooLarge = errors.New("chunk payload exceeds maximum size")

// EncodeChunk builds a binary chunk frame for the given index and payload.
// The frame is exactly HeaderSize+len(payload) bytes; the payload is copied.
func EncodeChunk(index uint32, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], index)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// DecodeChunk parses a binary chunk frame into its index and payload.
// The declared payload length must match the frame length exactly; frames
// shorter than the header or carrying trailing bytes fail with
// ErrMalformedFrame. The returned payload is a copy and does not alias the
// input buffer.
func DecodeChunk(frame []byte) (uint32, []byte, error) {
	if len(frame) < HeaderSize {
		logrus.WithFields(logrus.Fields{
			"function":   "DecodeChunk",
			"frame_size": len(frame),
		}).Warn("Frame shorter than header")
		return 0, nil, fmt.Errorf("%w: frame size %d below header size %d", ErrMalformedFrame, len(frame), HeaderSize)
	}

	index := binary.BigEndian.Uint32(frame[0:4])
	payloadLen := binary.BigEndian.Uint32(frame[4:8])

	if int(payloadLen) != len(frame)-HeaderSize {
		logrus.WithFields(logrus.Fields{
			"function":        "DecodeChunk",
			"chunk_index":     index,
			"declared_length": payloadLen,
			"actual_length":   len(frame) - HeaderSize,
		}).Warn("Frame length does not match declared payload length")
		return 0, nil, fmt.Errorf("%w: declared %d bytes, frame carries %d", ErrMalformedFrame, payloadLen, len(frame)-HeaderSize)
	}

	if payloadLen > ChunkSize {
		return 0, nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, payloadLen, ChunkSize)
	}

	payload := make([]byte, payloadLen)
	copy(payload, frame[HeaderSize:])

	return index, payload, nil
}
