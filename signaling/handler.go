package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/beam/limits"
	"github.com/opd-ai/beam/session"
)

// Register attempts allowed per connection per second, with burst.
const (
	registerRatePerSecond = 1
	registerBurst         = 5
)

// Notifier posts a message back to a connection. The local WebSocket
// server implements it over its connection table; a serverless deployment
// would implement it over a management API.
type Notifier interface {
	Post(ctx context.Context, connID string, data []byte) error
}

// Handler routes signaling messages: session registration and joining,
// opaque relay of offer/answer/candidate/control between paired
// connections, and peer-left notification on disconnect.
//
// The handler never propagates an error to the transport; every failure
// path answers the originating connection with an error envelope or drops
// the message silently, as the protocol requires.
type Handler struct {
	registry *session.Registry
	notifier Notifier
	limiter  *limits.RateLimiter
}

// NewHandler creates a signaling handler over a session registry and a
// way to post messages back to connections.
func NewHandler(registry *session.Registry, notifier Notifier) *Handler {
	return &Handler{
		registry: registry,
		notifier: notifier,
		limiter:  limits.NewRateLimiter(registerRatePerSecond, registerBurst),
	}
}

// HandleMessage processes one inbound envelope from connID.
func (h *Handler) HandleMessage(ctx context.Context, connID string, body []byte) {
	if err := limits.ValidateSignalingMessage(body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleMessage",
			"conn_id":  connID,
			"error":    err.Error(),
		}).Warn("Rejecting oversized or empty signaling message")
		h.sendError(ctx, connID, "message too large or empty", CodeMalformedMessage)
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleMessage",
			"conn_id":  connID,
			"error":    err.Error(),
		}).Warn("Rejecting malformed signaling message")
		h.sendError(ctx, connID, "malformed message", CodeMalformedMessage)
		return
	}

	kind := env.Kind()

	logrus.WithFields(logrus.Fields{
		"function": "HandleMessage",
		"conn_id":  connID,
		"kind":     kind,
	}).Debug("Handling signaling message")

	switch kind {
	case ActionRegister:
		h.handleRegister(ctx, connID)

	case ActionJoin:
		h.handleJoin(ctx, connID, env.Pin)

	case ActionOffer, ActionAnswer, ActionCandidate, ActionControl:
		h.relay(ctx, connID, body)

	default:
		logrus.WithFields(logrus.Fields{
			"function": "HandleMessage",
			"conn_id":  connID,
			"kind":     kind,
		}).Debug("Dropping message with unknown kind")
	}
}

// handleRegister allocates a session and replies with the PIN.
func (h *Handler) handleRegister(ctx context.Context, connID string) {
	if !h.limiter.Allow(connID) {
		h.sendError(ctx, connID, "too many register attempts", CodeRateLimited)
		return
	}

	pin, err := h.registry.CreateSession(ctx, connID)
	if err != nil {
		if errors.Is(err, session.ErrCapacityExceeded) {
			h.sendError(ctx, connID, "could not allocate a pin", CodeCapacityExceeded)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleRegister",
			"conn_id":  connID,
			"error":    err.Error(),
		}).Error("Session creation failed")
		h.sendError(ctx, connID, "session creation failed", CodeCapacityExceeded)
		return
	}

	h.post(ctx, connID, &Envelope{Type: TypeRegister, Pin: pin})
}

// handleJoin pairs the connection with the session and notifies both
// parties.
func (h *Handler) handleJoin(ctx context.Context, connID, pin string) {
	err := h.registry.JoinSession(ctx, pin, connID)
	switch {
	case err == nil:

	case errors.Is(err, session.ErrInvalidPin), errors.Is(err, session.ErrSessionNotFound):
		h.sendError(ctx, connID, "invalid PIN", CodeInvalidPin)
		return

	case errors.Is(err, session.ErrSessionFull):
		h.sendError(ctx, connID, "session already has a receiver", CodeSessionFull)
		return

	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleJoin",
			"conn_id":  connID,
			"error":    err.Error(),
		}).Error("Join failed")
		h.sendError(ctx, connID, "join failed", CodeInvalidPin)
		return
	}

	sess, err := h.registry.GetSession(ctx, pin)
	if err != nil {
		h.sendError(ctx, connID, "invalid PIN", CodeInvalidPin)
		return
	}

	h.post(ctx, sess.SenderConnID, &Envelope{Type: TypePeerJoined})
	h.post(ctx, connID, &Envelope{Type: TypeJoined})
}

// relay forwards the raw message to the other party of the sender's
// session. The payload is opaque and forwarded byte-for-byte. Absent or
// malformed sessions drop the message silently.
func (h *Handler) relay(ctx context.Context, fromConnID string, body []byte) {
	pin, err := h.registry.PinByConnectionID(ctx, fromConnID)
	if err != nil || !session.IsValidPin(pin) {
		logrus.WithFields(logrus.Fields{
			"function": "relay",
			"conn_id":  fromConnID,
		}).Debug("Dropping relay from connection without a session")
		return
	}

	sess, err := h.registry.GetSession(ctx, pin)
	if err != nil {
		return
	}

	target := sess.OtherParty(fromConnID)
	if target == "" {
		return
	}

	if err := h.notifier.Post(ctx, target, body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "relay",
			"conn_id":  fromConnID,
			"target":   target,
			"error":    err.Error(),
		}).Warn("Failed to relay message")
	}
}

// HandleDisconnect notifies the peer and removes the session when a
// connection closes.
func (h *Handler) HandleDisconnect(ctx context.Context, connID string) {
	defer h.limiter.Forget(connID)

	pin, err := h.registry.PinByConnectionID(ctx, connID)
	if err != nil {
		return
	}

	if sess, err := h.registry.GetSession(ctx, pin); err == nil {
		if target := sess.OtherParty(connID); target != "" {
			h.post(ctx, target, &Envelope{Type: TypePeerLeft})
		}
	}

	if err := h.registry.RemoveSession(ctx, pin); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleDisconnect",
			"conn_id":  connID,
			"pin":      pin,
			"error":    err.Error(),
		}).Warn("Failed to remove session on disconnect")
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandleDisconnect",
		"conn_id":  connID,
		"pin":      pin,
	}).Info("Connection closed, session torn down")
}

func (h *Handler) sendError(ctx context.Context, connID, message, code string) {
	h.post(ctx, connID, errorReply(message, code))
}

func (h *Handler) post(ctx context.Context, connID string, env *Envelope) {
	if connID == "" {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := h.notifier.Post(ctx, connID, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "post",
			"conn_id":  connID,
			"type":     env.Type,
			"error":    err.Error(),
		}).Warn("Failed to post message to connection")
	}
}
