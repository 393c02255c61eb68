package mqtt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "tcp://localhost:1883", cfg.Broker)
	assert.Equal(t, "canbridge/telemetry", cfg.DataTopic)
	assert.Equal(t, "canbridge/command", cfg.CommandTopic)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Equal(t, 1000, cfg.IntervalMs)
}

func TestGenerateClientID(t *testing.T) {
	a := generateClientID()
	b := generateClientID()

	assert.True(t, strings.HasPrefix(a, "canbridge-"))
	assert.Len(t, a, len("canbridge-")+8)
	assert.NotEqual(t, a, b)
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand([]byte(`{"action":"read","pid":12}`))
	assert.NoError(t, err)
	assert.Equal(t, "read", cmd.Action)
	assert.Equal(t, byte(0x0C), cmd.PID)

	cmd, err = parseCommand([]byte(`{"action":"stats"}`))
	assert.NoError(t, err)
	assert.Equal(t, "stats", cmd.Action)
}

func TestParseCommandRejectsGarbage(t *testing.T) {
	_, err := parseCommand([]byte(`not json`))
	assert.Error(t, err)

	_, err = parseCommand([]byte(`{"action":"reboot"}`))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestNewFillsClientIDAndInterval(t *testing.T) {
	b := New(Config{}, nil)

	assert.True(t, strings.HasPrefix(b.cfg.ClientID, "canbridge-"))
	assert.Equal(t, 1000, b.cfg.IntervalMs)
}
