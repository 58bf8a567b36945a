package signaling

import "encoding/json"

// Client-to-server routing keys. Inbound messages may carry either
// "action" or "type"; the handler accepts both for tolerance.
const (
	ActionRegister  = "register"
	ActionJoin      = "join"
	ActionOffer     = "offer"
	ActionAnswer    = "answer"
	ActionCandidate = "candidate"
	ActionControl   = "control"
)

// Server-to-client message types.
const (
	TypeRegister   = "register"
	TypePeerJoined = "peer-joined"
	TypeJoined     = "joined"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeControl    = "control"
	TypePeerLeft   = "peer-left"
	TypeError      = "error"
)

// Error codes carried by error replies.
const (
	CodePinInUse         = "PIN_IN_USE"
	CodeInvalidPin       = "INVALID_PIN"
	CodeSessionFull      = "SESSION_FULL"
	CodeRateLimited      = "RATE_LIMITED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeMalformedMessage = "MALFORMED_MESSAGE"
)

// Envelope is a signaling message in either direction. Offer, answer, and
// candidate payloads are opaque: the server relays them byte-for-byte and
// never inspects them.
type Envelope struct {
	Action  string          `json:"action,omitempty"`
	Type    string          `json:"type,omitempty"`
	Pin     string          `json:"pin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Kind returns the routing key: "type" wins when both are present, for
// compatibility with clients that send either.
func (e *Envelope) Kind() string {
	if e.Type != "" {
		return e.Type
	}
	return e.Action
}

// errorReply builds an error envelope.
func errorReply(message, code string) *Envelope {
	return &Envelope{Type: TypeError, Message: message, Code: code}
}
