// Package session implements the rendezvous registry: PIN generation and
// validation, and a Redis-backed store pairing a sender connection with a
// receiver connection under a short human-typed code.
//
// # PINs
//
// A PIN is six characters over a 32-symbol alphabet that excludes the
// confusable I, O, 0, and 1. That is roughly 30 bits of entropy, generated
// with crypto/rand:
//
//	pin, err := session.GeneratePin()
//
// Validation is strict and never case-folds: typed input containing
// lower-case letters is rejected rather than silently fixed. Canonicalize
// is the separate display/comparison path that does upper-case.
//
// # Sessions
//
// Sessions live in Redis under pin:{PIN} hashes with connection:{connId}
// reverse mappings, both carrying a 10-minute TTL:
//
//	registry := session.NewRegistry(client)
//	pin, err := registry.CreateSession(ctx, senderConnID)
//	err = registry.JoinSession(ctx, pin, receiverConnID)
//
// Creation claims the PIN with a hash-field compare-and-set, so
// concurrent allocations never hand out the same code; joining uses the
// same primitive to reject a second receiver. A session whose TTL has
// passed is indistinguishable from one that never existed.
package session
