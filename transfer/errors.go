package transfer

import "errors"

// ErrNotReady indicates a send attempt on a pipe that is not open.
var ErrNotReady = errors.New("pipe not ready")

// ErrTransferActive indicates a second transfer was started while one is
// still in flight on the same engine.
var ErrTransferActive = errors.New("transfer already in progress")

// ErrTransportClosed indicates the pipe closed mid-transfer.
var ErrTransportClosed = errors.New("transport closed")

// ErrCancelled indicates the transfer was cancelled by the caller.
var ErrCancelled = errors.New("transfer cancelled")

// ErrProtocolViolation indicates the peer broke the protocol contract,
// such as announcing a new file while a transfer is in progress.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrSinkWrite indicates the receiver's write sink failed.
var ErrSinkWrite = errors.New("sink write failed")

// ErrChecksumMismatch indicates the assembled artifact does not match the
// checksum announced in the file metadata.
var ErrChecksumMismatch = errors.New("checksum mismatch")
