package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control message type discriminators.
const (
	TypeFileMeta         = "file-meta"
	TypeAck              = "ack"
	TypeNack             = "nack"
	TypeTransferComplete = "transfer-complete"
	TypeReceivedRanges   = "received-ranges"
	TypeControl          = "control"
)

// Flow control actions carried by control messages.
const (
	ActionReady  = "ready"
	ActionPause  = "pause"
	ActionResume = "resume"
)

// ErrMalformedControl indicates a text frame that is not valid JSON or lacks
// the "type" discriminator.
var ErrMalformedControl = errors.New("malformed control message")

// Range is an inclusive span of chunk indices.
type Range struct {
	Start uint32
	End   uint32
}

// MarshalJSON encodes a Range as a two-element array.
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint32{r.Start, r.End})
}

// UnmarshalJSON decodes a Range from a two-element array.
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair [2]uint32
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	r.Start, r.End = pair[0], pair[1]
	return nil
}

// Message is a control message on the data pipe. The Type field selects
// which of the remaining fields are meaningful; all others stay at their
// zero value and are omitted on the wire.
type Message struct {
	Type string `json:"type"`

	// file-meta
	Name        string `json:"name,omitempty"`
	Size        uint64 `json:"size,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	TotalChunks uint32 `json:"totalChunks,omitempty"`
	Checksum    string `json:"checksum,omitempty"`

	// ack
	ChunkIndex uint32 `json:"chunkIndex,omitempty"`

	// nack
	MissingChunks []uint32 `json:"missingChunks,omitempty"`

	// transfer-complete
	Success       bool   `json:"success,omitempty"`
	BytesReceived uint64 `json:"bytesReceived,omitempty"`

	// received-ranges
	Ranges []Range `json:"ranges,omitempty"`

	// control
	Action string `json:"action,omitempty"`
}

// EncodeMessage serialises a control message to its compact JSON wire form.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedControl)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode control message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a text frame into a control message. Frames that are
// not JSON objects or lack the "type" field fail with ErrMalformedControl.
// Unknown type values are not an error; callers ignore messages they do not
// understand.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedControl, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedControl)
	}
	return &msg, nil
}

// Known reports whether the message type belongs to the closed set this
// package defines. Receivers drop unknown types without error.
func (m *Message) Known() bool {
	switch m.Type {
	case TypeFileMeta, TypeAck, TypeNack, TypeTransferComplete, TypeReceivedRanges, TypeControl:
		return true
	}
	return false
}
