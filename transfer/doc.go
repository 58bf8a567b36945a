// Package transfer implements the sender and receiver engines that stream
// a file over a pipe as acknowledged 64 KiB chunks, with pause, resume,
// cancellation, and selective retransmission support.
//
// # Overview
//
// The package provides two engines:
//
//   - Sender: reads a Source in ranged slices, frames each chunk, and
//     transmits under two-tier backpressure: a sliding window bounds
//     unacknowledged data, and the pipe's outbound buffer bounds local
//     queueing
//   - Receiver: accepts chunks in any order into a Sink, batches
//     acknowledgements, and NACKs detected gaps on a timer
//
// # Sending
//
//	src, err := transfer.OpenFile("/path/to/file.bin")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Close()
//
//	sender := transfer.NewSender(p, transfer.SenderConfig{})
//	sender.OnProgress(func(prog transfer.Progress) {
//	    fmt.Printf("%.1f%% at %.0f B/s\n", prog.Percent, prog.Speed)
//	})
//
//	result, err := sender.Send(ctx, src)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := result.Wait(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The Result resolves only when every chunk has been acknowledged. An
// interface resolving at "last chunk sent" would hide dropped-ACK bugs.
//
// # Receiving
//
//	receiver := transfer.NewReceiver(p, transfer.ReceiverConfig{
//	    SinkProvider: func(meta transfer.Meta) (transfer.Sink, error) {
//	        return transfer.CreateFileSink(filepath.Join(dir, meta.Name))
//	    },
//	})
//	receiver.OnComplete(func(err error) { done <- err })
//
// When no sink provider is configured, or the provider refuses, chunks
// accumulate in memory and the assembled artifact is available from
// Artifact after completion.
//
// # Flow Control
//
// The application window bounds what the receiver has not acknowledged;
// the transport threshold bounds the local outbound buffer. Both are
// necessary: with only the former, a slow local transport grows its
// buffer without bound while the receiver acknowledges eagerly; with only
// the latter, a fast local transport and a slow consumer overrun the
// window.
//
// # Resume
//
// ReceivedRanges and LoadReceivedRanges expose the receiver's compressed
// received set. A primed receiver answers a matching file-meta with a
// received-ranges reply, and the sender skips the covered indices.
//
// # Failure Semantics
//
// Malformed frames are dropped and counted, never fatal. A closing pipe
// fails both engines with ErrTransportClosed. Cancellation clears the
// window so suspended waiters exit without sending, and rejects the
// sender's Result with ErrCancelled exactly once.
package transfer
