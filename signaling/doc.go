// Package signaling implements the rendezvous protocol over a message
// transport: session registration and joining by PIN, opaque relay of
// connection-handshake payloads between paired endpoints, and disconnect
// notification.
//
// # Protocol
//
// Clients route messages with an "action" key; the server answers with a
// "type" key. Inbound messages may use either key. The flow:
//
//	sender   → {action: "register"}
//	server   → {type: "register", pin: "XXXXXX"}
//	receiver → {action: "join", pin: "XXXXXX"}
//	server   → {type: "peer-joined"}   (to sender)
//	server   → {type: "joined"}        (to receiver)
//	either   → {action: "offer" | "answer" | "candidate" | "control", payload: ...}
//	server   → relays the message verbatim to the other party
//
// The server never inspects offer, answer, or candidate payloads. On
// disconnect the other party receives {type: "peer-left"} and the session
// is removed.
//
// Failures answer the originating connection with
// {type: "error", message, code}; the handler never propagates an
// exception to the transport.
//
// # Components
//
// Handler contains the routing logic against a session.Registry and an
// abstract Notifier. Server hosts it over WebSocket with a connection
// table as the Notifier; Client is the endpoint side used by the CLI.
package signaling
