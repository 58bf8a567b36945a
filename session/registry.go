package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// SessionTTL is the lifetime of a session; refreshed when a receiver
// joins.
const SessionTTL = 600 * time.Second

// createRetryBudget bounds PIN allocation attempts before giving up.
const createRetryBudget = 8

// Key families in the backing store.
const (
	pinKeyPrefix  = "pin:"
	connKeyPrefix = "connection:"

	senderField   = "senderConnId"
	receiverField = "receiverConnId"
)

// Registry errors, mapped to signaling error codes by the handler.
var (
	// ErrInvalidPin indicates a structurally invalid PIN.
	ErrInvalidPin = errors.New("invalid pin")

	// ErrSessionNotFound indicates no live session for the PIN or
	// connection. An expired session is indistinguishable from an
	// absent one.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionFull indicates a join on an already-paired session.
	ErrSessionFull = errors.New("session already has a receiver")

	// ErrCapacityExceeded indicates PIN allocation exhausted its retry
	// budget.
	ErrCapacityExceeded = errors.New("pin allocation capacity exceeded")
)

// Session pairs two connection identifiers under a PIN.
type Session struct {
	Pin            string
	SenderConnID   string
	ReceiverConnID string
}

// Paired reports whether a receiver has joined.
func (s *Session) Paired() bool {
	return s.ReceiverConnID != ""
}

// OtherParty returns the peer of connID within the session, or empty when
// connID is unknown or the peer has not joined.
func (s *Session) OtherParty(connID string) string {
	switch connID {
	case s.SenderConnID:
		return s.ReceiverConnID
	case s.ReceiverConnID:
		return s.SenderConnID
	default:
		return ""
	}
}

// Registry stores sessions in Redis under two key families: pin:{PIN}
// hashes and connection:{connId} reverse mappings, both expiring with
// SessionTTL. Neither side owns the other; the PIN is the back-reference
// and expiry happens at the storage layer.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRegistry creates a registry over an established Redis client.
func NewRegistry(client *redis.Client) *Registry {
	return &Registry{client: client, ttl: SessionTTL}
}

// SetTTL overrides the session lifetime, mainly for tests.
func (r *Registry) SetTTL(ttl time.Duration) {
	r.ttl = ttl
}

// CreateSession allocates a fresh PIN for the sender and stores the
// session. Collisions retry with a new PIN; the hash-field write is the
// compare-and-set that makes concurrent allocation safe.
func (r *Registry) CreateSession(ctx context.Context, senderConnID string) (string, error) {
	for attempt := 0; attempt < createRetryBudget; attempt++ {
		pin, err := GeneratePin()
		if err != nil {
			return "", err
		}

		claimed, err := r.client.HSetNX(ctx, pinKeyPrefix+pin, senderField, senderConnID).Result()
		if err != nil {
			return "", fmt.Errorf("claim pin: %w", err)
		}
		if !claimed {
			logrus.WithFields(logrus.Fields{
				"function": "CreateSession",
				"attempt":  attempt + 1,
			}).Debug("PIN collision, retrying")
			continue
		}

		if err := r.client.Expire(ctx, pinKeyPrefix+pin, r.ttl).Err(); err != nil {
			return "", fmt.Errorf("set session ttl: %w", err)
		}
		if err := r.client.Set(ctx, connKeyPrefix+senderConnID, pin, r.ttl).Err(); err != nil {
			return "", fmt.Errorf("store reverse mapping: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"function":       "CreateSession",
			"pin":            pin,
			"sender_conn_id": senderConnID,
		}).Info("Session created")

		return pin, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateSession",
		"attempts": createRetryBudget,
	}).Error("PIN allocation exhausted retry budget")

	return "", ErrCapacityExceeded
}

// JoinSession pairs a receiver with an existing session and refreshes the
// TTL on both key families. A second join is rejected with ErrSessionFull.
func (r *Registry) JoinSession(ctx context.Context, pin, receiverConnID string) error {
	if !IsValidPin(pin) {
		return ErrInvalidPin
	}

	pinKey := pinKeyPrefix + pin
	sender, err := r.client.HGet(ctx, pinKey, senderField).Result()
	if err == redis.Nil {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if sender == receiverConnID {
		return fmt.Errorf("%w: cannot join own session", ErrInvalidPin)
	}

	claimed, err := r.client.HSetNX(ctx, pinKey, receiverField, receiverConnID).Result()
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	if !claimed {
		return ErrSessionFull
	}

	if err := r.client.Expire(ctx, pinKey, r.ttl).Err(); err != nil {
		return fmt.Errorf("refresh session ttl: %w", err)
	}

	if err := r.client.Expire(ctx, connKeyPrefix+sender, r.ttl).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "JoinSession",
			"pin":      pin,
			"error":    err.Error(),
		}).Warn("Failed to refresh sender reverse-mapping TTL")
	}

	if err := r.client.Set(ctx, connKeyPrefix+receiverConnID, pin, r.ttl).Err(); err != nil {
		return fmt.Errorf("store reverse mapping: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":         "JoinSession",
		"pin":              pin,
		"receiver_conn_id": receiverConnID,
	}).Info("Receiver joined session")

	return nil
}

// GetSession fetches the session for a PIN. Expired and absent sessions
// are indistinguishable: both return ErrSessionNotFound.
func (r *Registry) GetSession(ctx context.Context, pin string) (*Session, error) {
	fields, err := r.client.HGetAll(ctx, pinKeyPrefix+pin).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}

	return &Session{
		Pin:            pin,
		SenderConnID:   fields[senderField],
		ReceiverConnID: fields[receiverField],
	}, nil
}

// PinByConnectionID resolves the PIN a connection belongs to.
func (r *Registry) PinByConnectionID(ctx context.Context, connID string) (string, error) {
	pin, err := r.client.Get(ctx, connKeyPrefix+connID).Result()
	if err == redis.Nil {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get reverse mapping: %w", err)
	}
	return pin, nil
}

// RemoveSession deletes the session hash and both reverse mappings.
// Removing an absent session is a no-op.
func (r *Registry) RemoveSession(ctx context.Context, pin string) error {
	if pin == "" {
		return nil
	}

	session, err := r.GetSession(ctx, pin)
	if err == nil {
		if session.SenderConnID != "" {
			if err := r.client.Del(ctx, connKeyPrefix+session.SenderConnID).Err(); err != nil {
				return fmt.Errorf("delete sender mapping: %w", err)
			}
		}
		if session.ReceiverConnID != "" {
			if err := r.client.Del(ctx, connKeyPrefix+session.ReceiverConnID).Err(); err != nil {
				return fmt.Errorf("delete receiver mapping: %w", err)
			}
		}
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	if err := r.client.Del(ctx, pinKeyPrefix+pin).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "RemoveSession",
		"pin":      pin,
	}).Info("Session removed")

	return nil
}
