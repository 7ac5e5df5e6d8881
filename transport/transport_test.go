package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	received := make(chan []byte, 1)
	b.SetHandler(func(wire []byte, addr net.Addr) {
		received <- wire
	})

	payload := []byte("hello transport")
	require.NoError(t, a.Send(b.LocalAddr(), payload))

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	oversized := make([]byte, MaxPayloadBytes+1)
	err = a.Send(a.LocalAddr(), oversized)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestCloseStopsReceiveLoop(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.Close())
}
