package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeAcceptSuccess(t *testing.T) {
	h := NewHandshake(HandshakeConfig{ServerVersion: "1.0.0", JWTSigningKey: []byte("secret")}, []string{"mod_a.ping", "mod_b.pong"})
	ack, _, token, ok := h.Accept("conn1", HelloFrame{Protocol: Protocol, Type: FrameHello, Client: ClientInfo{Version: "1.0.0"}})
	require.True(t, ok)
	assert.Len(t, ack.Server.APIHash, 10)
	assert.Contains(t, ack.Server.Features, "rpc")
	assert.NotEmpty(t, token)

	connID, apiHash, err := h.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "conn1", connID)
	assert.Equal(t, ack.Server.APIHash, apiHash)
}

func TestHandshakeRejectsWrongProtocol(t *testing.T) {
	h := NewHandshake(HandshakeConfig{}, nil)
	_, fail, _, ok := h.Accept("conn1", HelloFrame{Protocol: 2, Type: FrameHello})
	require.False(t, ok)
	assert.NotEmpty(t, fail.Reason)
}

func TestHandshakeRejectsMissingRequiredMod(t *testing.T) {
	h := NewHandshake(HandshakeConfig{RequiredMods: []string{"mod_required"}}, nil)
	_, fail, _, ok := h.Accept("conn1", HelloFrame{Protocol: Protocol, Client: ClientInfo{Mods: []string{"mod_other"}}})
	require.False(t, ok)
	assert.Contains(t, fail.Reason, "mod_required")
}

func TestComputeAPIHashIsOrderIndependent(t *testing.T) {
	a := ComputeAPIHash([]string{"b", "a", "c"})
	b := ComputeAPIHash([]string{"c", "b", "a"})
	assert.Equal(t, a, b)
}
