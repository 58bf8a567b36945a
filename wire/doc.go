// Package wire defines the two frame shapes carried on the data pipe:
// binary chunk frames and JSON control messages.
//
// # Binary Chunk Frames
//
// A chunk frame carries exactly one payload chunk of a file:
//
//	bytes 0-3   chunkIndex    (big-endian uint32)
//	bytes 4-7   payloadLength (big-endian uint32)
//	bytes 8..   payload       (exactly payloadLength bytes)
//
// The fixed 8-byte header avoids base-64 inflation and keeps the hot path
// alignment-friendly; big-endian matches network order.
//
//	frame := wire.EncodeChunk(index, payload)
//	index, payload, err := wire.DecodeChunk(frame)
//
// # Control Messages
//
// Control messages are compact JSON records discriminated by a "type" field:
//
//	file-meta         announces a transfer (name, size, mimeType, totalChunks)
//	ack               acknowledges a single chunk index
//	nack              requests retransmission of specific chunk indices
//	transfer-complete reports final transfer outcome
//	received-ranges   compressed received-set snapshot for resume
//	control           ready / pause / resume flow commands
//
// A text frame without a "type" field fails with ErrMalformedControl.
// Unknown type values decode successfully so receivers can skip messages
// from newer peers without tearing down the transfer.
package wire
