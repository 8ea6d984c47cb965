package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/jalebi/internal/chunkproto"
)

func TestPeerConnectionConfig(t *testing.T) {
	cfg := PeerConnectionConfig([]string{"stun:a:3478", "stun:b:3478"}, []string{"turn:t1", "turn:t2"})
	require.Len(t, cfg.ICEServers, 3)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, []string{"turn:t2"}, cfg.ICEServers[2].URLs)

	assert.Empty(t, PeerConnectionConfig(nil, nil).ICEServers)
}

func TestWebRTCConfigDefaults(t *testing.T) {
	cfg := WebRTCConfig{HighWatermark: 1024, LowWatermark: 4096}.withDefaults()
	assert.Equal(t, uint64(1024), cfg.HighWatermark)
	assert.Equal(t, uint64(256), cfg.LowWatermark)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, defaultOpenTimeout, cfg.OpenTimeout)
}

func TestWebRTCNegotiatorLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("gathers ICE candidates")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n := NewWebRTCNegotiator(WebRTCConfig{})
	offer, err := n.Offer(ctx)
	require.NoError(t, err)
	answer, err := n.Answer(ctx, offer.Description())
	require.NoError(t, err)

	type result struct {
		conn Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := answer.Complete(ctx, "")
		accepted <- result{c, err}
	}()

	initiator, err := offer.Complete(ctx, answer.Description())
	require.NoError(t, err)
	defer initiator.Close()

	res := <-accepted
	require.NoError(t, res.err)
	responder := res.conn
	defer responder.Close()

	nextEvent(t, initiator)
	nextEvent(t, responder)

	// Larger than one data channel message, so it is split and reassembled.
	payload := make([]byte, 100*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	fd := chunkproto.FileDescriptor{Index: 0, Name: "a.bin", Size: int64(len(payload)), Type: "application/octet-stream"}
	require.NoError(t, responder.Send(chunkproto.FileChunk(fd, 0, payload)))

	ev := nextEvent(t, initiator)
	require.Equal(t, EventData, ev.Kind)
	assert.Equal(t, payload, ev.Message.Payload)
}
