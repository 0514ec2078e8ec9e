package reactor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":9999", cfg.Address)
	assert.Equal(t, 1024, cfg.Backlog)
	assert.Equal(t, time.Duration(-1), cfg.PollTimeout)

	n, err := cfg.normalize()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(n.Name, "reactor-"))
	assert.Equal(t, "tcp", n.Network)
}

func TestConfigNormalizeFillsZeroes(t *testing.T) {
	n, err := Config{Name: "x"}.normalize()
	require.NoError(t, err)
	assert.Equal(t, "x", n.Name)
	assert.Equal(t, "tcp", n.Network)
	assert.Equal(t, DefaultAddress, n.Address)
	assert.Equal(t, DefaultBacklog, n.Backlog)
	assert.Equal(t, DefaultMaxEvents, n.MaxEvents)
	assert.Equal(t, DefaultReadBufferSize, n.ReadBufferSize)
	assert.Equal(t, DefaultMaxPendingBytes, n.MaxPendingBytes)
	assert.Equal(t, DefaultAcceptBackoff, n.AcceptBackoff)
	assert.Zero(t, n.PollTimeout)
}

func TestConfigNormalizeRejects(t *testing.T) {
	for _, cfg := range []Config{
		{Network: "unix"},
		{Backlog: -1},
		{MaxEvents: -5},
		{ReadBufferSize: -1},
		{AcceptBackoff: -time.Second},
	} {
		_, err := cfg.normalize()
		assert.ErrorIs(t, err, ErrInvalidArgument, "%+v", cfg)
	}

	// unbounded pending output is allowed
	n, err := Config{MaxPendingBytes: -1}.normalize()
	require.NoError(t, err)
	assert.Equal(t, -1, n.MaxPendingBytes)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "shutting-down", ShuttingDown.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestPanicError(t *testing.T) {
	cause := ErrOutputFull
	err := &PanicError{Value: cause}
	assert.ErrorIs(t, err, ErrOutputFull)
	assert.Contains(t, err.Error(), "handler panic")
	assert.NoError(t, (&PanicError{Value: "text"}).Unwrap())
}
