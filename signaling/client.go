package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client is a signaling connection from an endpoint's point of view: it
// registers or joins a session, exchanges opaque handshake payloads, and
// surfaces inbound envelopes to a callback.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	callback func(*Envelope)
	waiters  map[string][]chan *Envelope
}

// DialClient connects to a signaling server, e.g. ws://host:port/ws, and
// starts the read loop.
func DialClient(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	c := &Client{
		conn:    conn,
		waiters: make(map[string][]chan *Envelope),
	}
	go c.readLoop()

	logrus.WithFields(logrus.Fields{
		"function": "DialClient",
		"url":      url,
	}).Info("Connected to signaling server")

	return c, nil
}

// OnEnvelope registers a callback for inbound envelopes. An envelope that
// satisfies a pending waiter (WaitFor, Register, Join) goes to that waiter
// only and is not passed to the callback.
func (c *Client) OnEnvelope(callback func(*Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = callback
}

// Send transmits an envelope.
func (c *Client) Send(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Register asks the server for a fresh session PIN.
func (c *Client) Register(ctx context.Context) (string, error) {
	wait := c.subscribe(TypeRegister)
	errWait := c.subscribe(TypeError)

	if err := c.Send(&Envelope{Action: ActionRegister}); err != nil {
		return "", err
	}

	select {
	case env := <-wait:
		return env.Pin, nil
	case env := <-errWait:
		return "", fmt.Errorf("register rejected: %s (%s)", env.Message, env.Code)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Join enters an existing session by PIN.
func (c *Client) Join(ctx context.Context, pin string) error {
	wait := c.subscribe(TypeJoined)
	errWait := c.subscribe(TypeError)

	if err := c.Send(&Envelope{Action: ActionJoin, Pin: pin}); err != nil {
		return err
	}

	select {
	case <-wait:
		return nil
	case env := <-errWait:
		return fmt.Errorf("join rejected: %s (%s)", env.Message, env.Code)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFor blocks until an envelope of the given type arrives.
func (c *Client) WaitFor(ctx context.Context, msgType string) (*Envelope, error) {
	wait := c.subscribe(msgType)
	select {
	case env := <-wait:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscribe registers a one-shot waiter for a message type.
func (c *Client) subscribe(msgType string) chan *Envelope {
	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	c.waiters[msgType] = append(c.waiters[msgType], ch)
	c.mu.Unlock()
	return ch
}

// readLoop dispatches inbound envelopes to waiters and the callback.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Debug("Signaling read loop ended")
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Dropping malformed envelope from server")
			continue
		}

		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *Envelope) {
	kind := env.Kind()

	c.mu.Lock()
	var waiter chan *Envelope
	if queue := c.waiters[kind]; len(queue) > 0 {
		waiter = queue[0]
		c.waiters[kind] = queue[1:]
	}
	callback := c.callback
	c.mu.Unlock()

	if waiter != nil {
		waiter <- env
		return
	}
	if callback != nil {
		callback(env)
	}
}

// Close shuts the connection down after a polite close frame.
func (c *Client) Close() error {
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.conn.Close()
}
