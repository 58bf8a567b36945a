package limits

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateMessageSize(t *testing.T) {
	assert.ErrorIs(t, ValidateMessageSize(nil, 10), ErrMessageEmpty)
	assert.NoError(t, ValidateMessageSize([]byte("ok"), 10))
	assert.ErrorIs(t, ValidateMessageSize(bytes.Repeat([]byte{1}, 11), 10), ErrMessageTooLarge)
}

func TestValidateFrame(t *testing.T) {
	assert.ErrorIs(t, ValidateFrame(nil), ErrMessageEmpty)
	assert.NoError(t, ValidateFrame(bytes.Repeat([]byte{1}, MaxFrameSize)))
	assert.ErrorIs(t, ValidateFrame(bytes.Repeat([]byte{1}, MaxFrameSize+1)), ErrMessageTooLarge)
}

func TestValidateControlMessage(t *testing.T) {
	assert.NoError(t, ValidateControlMessage([]byte(`{"type":"ack"}`)))
	assert.ErrorIs(t, ValidateControlMessage(bytes.Repeat([]byte{1}, MaxControlMessage+1)), ErrMessageTooLarge)
}

func TestValidateSignalingMessage(t *testing.T) {
	assert.NoError(t, ValidateSignalingMessage([]byte(`{"action":"register"}`)))
	assert.ErrorIs(t, ValidateSignalingMessage(bytes.Repeat([]byte{1}, MaxSignalingMessage+1)), ErrMessageTooLarge)
}

func TestRateLimiterBurstThenRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 3)
	rl.SetTimeFunc(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("conn-a"), "burst request %d should pass", i)
	}
	assert.False(t, rl.Allow("conn-a"), "bucket should be drained")

	now = now.Add(2 * time.Second)
	assert.True(t, rl.Allow("conn-a"))
	assert.True(t, rl.Allow("conn-a"))
	assert.False(t, rl.Allow("conn-a"))
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.SetTimeFunc(func() time.Time { return now })

	assert.True(t, rl.Allow("conn-a"))
	assert.False(t, rl.Allow("conn-a"))
	assert.True(t, rl.Allow("conn-b"))
}

func TestRateLimiterForget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.SetTimeFunc(func() time.Time { return now })

	assert.True(t, rl.Allow("conn-a"))
	assert.False(t, rl.Allow("conn-a"))

	rl.Forget("conn-a")
	assert.True(t, rl.Allow("conn-a"), "forgotten key starts with a fresh bucket")
}
