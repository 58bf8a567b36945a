package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFileMeta(t *testing.T) {
	msg := &Message{
		Type:        TypeFileMeta,
		Name:        "photo.jpg",
		Size:        200000,
		MimeType:    "image/jpeg",
		TotalChunks: 4,
		Checksum:    "deadbeef",
	}

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
	assert.True(t, decoded.Known())
}

func TestEncodeDecodeAckOfChunkZero(t *testing.T) {
	data, err := EncodeMessage(&Message{Type: TypeAck, ChunkIndex: 0})
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, TypeAck, decoded.Type)
	assert.Equal(t, uint32(0), decoded.ChunkIndex)
}

func TestEncodeDecodeNack(t *testing.T) {
	data, err := EncodeMessage(&Message{Type: TypeNack, MissingChunks: []uint32{2, 5, 9}})
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 5, 9}, decoded.MissingChunks)
}

func TestEncodeDecodeReceivedRanges(t *testing.T) {
	msg := &Message{
		Type:   TypeReceivedRanges,
		Ranges: []Range{{Start: 0, End: 3}, {Start: 7, End: 7}},
	}

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	// Ranges serialise as two-element arrays, matching the wire contract.
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `[[0,3],[7,7]]`, string(raw["ranges"]))

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Ranges, decoded.Ranges)
}

func TestDecodeMessageMissingType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"name":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedControl)
}

func TestDecodeMessageInvalidJSON(t *testing.T) {
	_, err := DecodeMessage([]byte(`{nope`))
	assert.ErrorIs(t, err, ErrMalformedControl)
}

func TestDecodeMessageUnknownTypeNotFatal(t *testing.T) {
	decoded, err := DecodeMessage([]byte(`{"type":"future-extension","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, "future-extension", decoded.Type)
	assert.False(t, decoded.Known())
}

func TestEncodeMessageMissingType(t *testing.T) {
	_, err := EncodeMessage(&Message{})
	assert.ErrorIs(t, err, ErrMalformedControl)
}

func TestControlActions(t *testing.T) {
	for _, action := range []string{ActionReady, ActionPause, ActionResume} {
		data, err := EncodeMessage(&Message{Type: TypeControl, Action: action})
		require.NoError(t, err)

		decoded, err := DecodeMessage(data)
		require.NoError(t, err)
		assert.Equal(t, action, decoded.Action)
	}
}
