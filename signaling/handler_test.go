package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/beam/limits"
	"github.com/opd-ai/beam/session"
)

// mockNotifier records posted messages per connection.
type mockNotifier struct {
	mu    sync.Mutex
	posts map[string][]json.RawMessage
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{posts: make(map[string][]json.RawMessage)}
}

func (n *mockNotifier) Post(ctx context.Context, connID string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	n.posts[connID] = append(n.posts[connID], buf)
	return nil
}

// envelopes decodes every message posted to connID.
func (n *mockNotifier) envelopes(t *testing.T, connID string) []*Envelope {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Envelope
	for _, raw := range n.posts[connID] {
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, &env)
	}
	return out
}

func (n *mockNotifier) raw(connID string) []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]json.RawMessage{}, n.posts[connID]...)
}

func testHandler(t *testing.T) (*Handler, *mockNotifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	notifier := newMockNotifier()
	return NewHandler(session.NewRegistry(client), notifier), notifier
}

// pairedSession registers a sender and joins a receiver, returning the pin.
func pairedSession(t *testing.T, h *Handler, notifier *mockNotifier, senderID, receiverID string) string {
	t.Helper()
	ctx := context.Background()

	h.HandleMessage(ctx, senderID, []byte(`{"action":"register"}`))
	registered := notifier.envelopes(t, senderID)
	require.NotEmpty(t, registered)
	pin := registered[len(registered)-1].Pin
	require.NotEmpty(t, pin)

	h.HandleMessage(ctx, receiverID, []byte(fmt.Sprintf(`{"action":"join","pin":%q}`, pin)))
	return pin
}

func TestHandleRegister(t *testing.T) {
	h, notifier := testHandler(t)

	h.HandleMessage(context.Background(), "conn-s", []byte(`{"action":"register"}`))

	envs := notifier.envelopes(t, "conn-s")
	require.Len(t, envs, 1)
	assert.Equal(t, TypeRegister, envs[0].Type)
	assert.True(t, session.IsValidPin(envs[0].Pin))
}

func TestHandleRegisterAcceptsTypeKey(t *testing.T) {
	h, notifier := testHandler(t)

	h.HandleMessage(context.Background(), "conn-s", []byte(`{"type":"register"}`))

	envs := notifier.envelopes(t, "conn-s")
	require.Len(t, envs, 1)
	assert.Equal(t, TypeRegister, envs[0].Type)
}

func TestHandleRegisterRateLimited(t *testing.T) {
	h, notifier := testHandler(t)
	ctx := context.Background()

	// Drain the burst allowance, then expect a rate-limit error.
	for i := 0; i < 10; i++ {
		h.HandleMessage(ctx, "conn-s", []byte(`{"action":"register"}`))
	}

	envs := notifier.envelopes(t, "conn-s")
	var limited bool
	for _, env := range envs {
		if env.Type == TypeError && env.Code == CodeRateLimited {
			limited = true
		}
	}
	assert.True(t, limited, "register flood must hit RATE_LIMITED")
}

func TestHandleJoin(t *testing.T) {
	h, notifier := testHandler(t)

	pairedSession(t, h, notifier, "conn-s", "conn-r")

	senderEnvs := notifier.envelopes(t, "conn-s")
	require.Len(t, senderEnvs, 2)
	assert.Equal(t, TypePeerJoined, senderEnvs[1].Type)

	receiverEnvs := notifier.envelopes(t, "conn-r")
	require.Len(t, receiverEnvs, 1)
	assert.Equal(t, TypeJoined, receiverEnvs[0].Type)
}

func TestHandleJoinInvalidPinFormat(t *testing.T) {
	h, notifier := testHandler(t)

	h.HandleMessage(context.Background(), "conn-r", []byte(`{"action":"join","pin":"abc234"}`))

	envs := notifier.envelopes(t, "conn-r")
	require.Len(t, envs, 1)
	assert.Equal(t, TypeError, envs[0].Type)
	assert.Equal(t, CodeInvalidPin, envs[0].Code)
}

func TestHandleJoinUnknownPin(t *testing.T) {
	h, notifier := testHandler(t)

	h.HandleMessage(context.Background(), "conn-r", []byte(`{"action":"join","pin":"ABC234"}`))

	envs := notifier.envelopes(t, "conn-r")
	require.Len(t, envs, 1)
	assert.Equal(t, CodeInvalidPin, envs[0].Code)
}

func TestHandleJoinSessionFull(t *testing.T) {
	h, notifier := testHandler(t)

	pin := pairedSession(t, h, notifier, "conn-s", "conn-r")

	h.HandleMessage(context.Background(), "conn-r2", []byte(fmt.Sprintf(`{"action":"join","pin":%q}`, pin)))

	envs := notifier.envelopes(t, "conn-r2")
	require.Len(t, envs, 1)
	assert.Equal(t, TypeError, envs[0].Type)
	assert.Equal(t, CodeSessionFull, envs[0].Code)
}

func TestRelayOfferVerbatim(t *testing.T) {
	h, notifier := testHandler(t)

	pairedSession(t, h, notifier, "conn-s", "conn-r")

	offer := []byte(`{"action":"offer","payload":{"sdp":"v=0 o=- 46117 2","type":"offer"}}`)
	h.HandleMessage(context.Background(), "conn-s", offer)

	raw := notifier.raw("conn-r")
	require.Len(t, raw, 2) // joined, then the relayed offer
	assert.JSONEq(t, string(offer), string(raw[1]), "payload relayed byte-for-byte")
}

func TestRelayAnswerBackToSender(t *testing.T) {
	h, notifier := testHandler(t)

	pairedSession(t, h, notifier, "conn-s", "conn-r")

	answer := []byte(`{"action":"answer","payload":{"sdp":"v=0"}}`)
	h.HandleMessage(context.Background(), "conn-r", answer)

	raw := notifier.raw("conn-s")
	require.Len(t, raw, 3) // register, peer-joined, answer
	assert.JSONEq(t, string(answer), string(raw[2]))
}

func TestRelayFromUnknownConnectionDropped(t *testing.T) {
	h, notifier := testHandler(t)

	h.HandleMessage(context.Background(), "stranger", []byte(`{"action":"offer","payload":"x"}`))

	assert.Empty(t, notifier.raw("stranger"), "no error reply for silent drop")
}

func TestRelayUnpairedSessionDropped(t *testing.T) {
	h, notifier := testHandler(t)
	ctx := context.Background()

	h.HandleMessage(ctx, "conn-s", []byte(`{"action":"register"}`))
	h.HandleMessage(ctx, "conn-s", []byte(`{"action":"candidate","payload":"c"}`))

	// Only the register reply; the candidate had no peer to go to.
	assert.Len(t, notifier.raw("conn-s"), 1)
}

func TestMalformedMessage(t *testing.T) {
	h, notifier := testHandler(t)

	h.HandleMessage(context.Background(), "conn-s", []byte(`{not json`))

	envs := notifier.envelopes(t, "conn-s")
	require.Len(t, envs, 1)
	assert.Equal(t, CodeMalformedMessage, envs[0].Code)
}

func TestOversizedMessage(t *testing.T) {
	h, notifier := testHandler(t)

	big := make([]byte, limits.MaxSignalingMessage+1)
	for i := range big {
		big[i] = 'a'
	}
	h.HandleMessage(context.Background(), "conn-s", big)

	envs := notifier.envelopes(t, "conn-s")
	require.Len(t, envs, 1)
	assert.Equal(t, CodeMalformedMessage, envs[0].Code)
}

func TestUnknownKindDropped(t *testing.T) {
	h, notifier := testHandler(t)

	h.HandleMessage(context.Background(), "conn-s", []byte(`{"action":"selfdestruct"}`))

	assert.Empty(t, notifier.raw("conn-s"))
}

func TestHandleDisconnectNotifiesPeer(t *testing.T) {
	h, notifier := testHandler(t)
	ctx := context.Background()

	pin := pairedSession(t, h, notifier, "conn-s", "conn-r")

	h.HandleDisconnect(ctx, "conn-s")

	receiverEnvs := notifier.envelopes(t, "conn-r")
	require.Len(t, receiverEnvs, 2)
	assert.Equal(t, TypePeerLeft, receiverEnvs[1].Type)

	// The session is gone: a relay from the surviving peer drops.
	h.HandleMessage(ctx, "conn-r", []byte(`{"action":"control","payload":"x"}`))
	assert.Len(t, notifier.raw("conn-s"), 2, "no relay to a removed session")
	_ = pin
}

func TestHandleDisconnectWithoutSession(t *testing.T) {
	h, notifier := testHandler(t)

	// Must not panic or post anything.
	h.HandleDisconnect(context.Background(), "stranger")
	assert.Empty(t, notifier.raw("stranger"))
}
