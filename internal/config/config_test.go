package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, DefaultDomain, cfg.Domain)
	assert.Equal(t, "wss://"+DefaultDomain+"/ws", cfg.WebSocketURL)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, uint64(DefaultHighWaterMark), cfg.HighWaterMark)
	assert.Equal(t, DefaultNegotiationTimeout, cfg.NegotiationTimeout)
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	t.Setenv("DOMAIN", "env.example.com")
	t.Setenv("STUN_SERVER", "stun:env.example.com:3478")

	cfg, err := Load(Options{Domain: "flag.example.com"})
	require.NoError(t, err)

	assert.Equal(t, "flag.example.com", cfg.Domain)
	assert.Equal(t, "stun:env.example.com:3478", cfg.STUNServer)
}

func TestChunkSizeBounds(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "1024")

	_, err := Load(Options{})
	assert.Error(t, err)
}

func TestTURNServers(t *testing.T) {
	cfg, err := Load(Options{TURNServer: "turn:relay.example.com"})
	require.NoError(t, err)

	urls := cfg.GetTURNServers()
	require.Len(t, urls, 3)
	assert.Equal(t, "turn:relay.example.com:3478?transport=udp", urls[0])
	assert.Equal(t, "turn:relay.example.com:3478?transport=tcp", urls[1])

	cfg, err = Load(Options{})
	require.NoError(t, err)
	assert.Nil(t, cfg.GetTURNServers())
	assert.False(t, cfg.ShouldForceRelay())
}
