package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWelcomeFrameAdvertisesSizeLimit(t *testing.T) {
	frame := NewWelcomeFrame("sess-1", "2.0.0", 8192)

	assert.Equal(t, "welcome", frame["type"])
	assert.Equal(t, "sess-1", frame["sessionId"])
	assert.Equal(t, "2.0.0", frame["serverVersion"])
	assert.Equal(t, int64(8192), frame["maxMessageSize"])
	assert.NotEmpty(t, frame["timestamp"])
}
