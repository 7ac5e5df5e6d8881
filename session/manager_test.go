package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/contact"
	"github.com/chatdni/core/crypto"
	"github.com/chatdni/core/discovery"
	"github.com/chatdni/core/events"
	"github.com/chatdni/core/fingerprint"
	"github.com/chatdni/core/noise"
	"github.com/chatdni/core/packet"
	"github.com/chatdni/core/queue"
	"github.com/chatdni/core/transport"
)

type node struct {
	fp        fingerprint.Fingerprint
	staticPub [32]byte
	manager   *Manager
	xport     *transport.UDPTransport
}

func newNode(t *testing.T, fpSeed string) *node {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	fp, err := fingerprint.Parse(fpSeed)
	require.NoError(t, err)

	xport, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)

	dir := t.TempDir()
	books, err := contact.Load(dir+"/contacts.json", clock.Default)
	require.NoError(t, err)
	q, err := queue.Load(dir+"/queue.json", clock.Default)
	require.NoError(t, err)

	mgr := New(kp.Private, fp, xport, books, q, clock.Default)
	xport.SetHandler(mgr.HandleInbound)
	go mgr.Run()

	return &node{fp: fp, staticPub: kp.Public, manager: mgr, xport: xport}
}

func (n *node) close() {
	n.manager.Close()
	n.xport.Close()
}

func waitForEvent(t *testing.T, ch <-chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func TestTwoPeersHandshakeAndExchangeMessage(t *testing.T) {
	a := newNode(t, "aaaaaaaaaaaaaaaa")
	defer a.close()
	b := newNode(t, "bbbbbbbbbbbbbbbb")
	defer b.close()

	a.manager.handlePeerObservation(discovery.PeerObservation{
		Fingerprint: b.fp, StaticPub: b.staticPub, Address: b.xport.LocalAddr(), Source: discovery.LAN, ObservedAt: time.Now(),
	})
	b.manager.handlePeerObservation(discovery.PeerObservation{
		Fingerprint: a.fp, StaticPub: a.staticPub, Address: a.xport.LocalAddr(), Source: discovery.LAN, ObservedAt: time.Now(),
	})

	result, err := a.manager.Send(b.fp, 1, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, Queued, result)

	waitForEvent(t, b.manager.Events(), events.KindSessionEstablished)
	msgEvent := waitForEvent(t, b.manager.Events(), events.KindMessageReceived)
	assert.Equal(t, []byte("hello"), msgEvent.MessageReceived.Plaintext)
	assert.Equal(t, a.fp, msgEvent.MessageReceived.Fingerprint)

	waitForEvent(t, a.manager.Events(), events.KindSessionEstablished)
}

func TestOfflineQueueDrainsInOrderOnceEstablished(t *testing.T) {
	a := newNode(t, "cccccccccccccccc")
	defer a.close()
	b := newNode(t, "dddddddddddddddd")
	defer b.close()

	a.manager.handlePeerObservation(discovery.PeerObservation{
		Fingerprint: b.fp, StaticPub: b.staticPub, Address: b.xport.LocalAddr(), Source: discovery.LAN, ObservedAt: time.Now(),
	})

	_, err := a.manager.Send(b.fp, 1, []byte("m1"))
	require.NoError(t, err)
	_, err = a.manager.Send(b.fp, 1, []byte("m2"))
	require.NoError(t, err)
	_, err = a.manager.Send(b.fp, 1, []byte("m3"))
	require.NoError(t, err)

	b.manager.handlePeerObservation(discovery.PeerObservation{
		Fingerprint: a.fp, StaticPub: a.staticPub, Address: a.xport.LocalAddr(), Source: discovery.LAN, ObservedAt: time.Now(),
	})

	first := waitForEvent(t, b.manager.Events(), events.KindMessageReceived)
	second := waitForEvent(t, b.manager.Events(), events.KindMessageReceived)
	third := waitForEvent(t, b.manager.Events(), events.KindMessageReceived)

	assert.Equal(t, []byte("m1"), first.MessageReceived.Plaintext)
	assert.Equal(t, []byte("m2"), second.MessageReceived.Plaintext)
	assert.Equal(t, []byte("m3"), third.MessageReceived.Plaintext)
}

// TestPinningViolationClosesSession simulates an impostor who has somehow
// acquired a's fingerprint (e.g. from a stale discovery sighting) but not
// a's static private key, and who handshakes directly against b claiming to
// be a. b must detect the static key mismatch against its existing pin and
// report a PinningViolation rather than accepting the session.
func TestPinningViolationClosesSession(t *testing.T) {
	a := newNode(t, "eeeeeeeeeeeeeeee")
	defer a.close()
	b := newNode(t, "ffffffffffffffff")
	defer b.close()

	a.manager.handlePeerObservation(discovery.PeerObservation{
		Fingerprint: b.fp, StaticPub: b.staticPub, Address: b.xport.LocalAddr(), Source: discovery.LAN, ObservedAt: time.Now(),
	})
	b.manager.handlePeerObservation(discovery.PeerObservation{
		Fingerprint: a.fp, StaticPub: a.staticPub, Address: a.xport.LocalAddr(), Source: discovery.LAN, ObservedAt: time.Now(),
	})

	_, err := a.manager.Send(b.fp, 1, []byte("first"))
	require.NoError(t, err)
	waitForEvent(t, b.manager.Events(), events.KindSessionEstablished)
	waitForEvent(t, a.manager.Events(), events.KindSessionEstablished)

	impostorKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	attacker, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer attacker.Close()

	b.manager.mu.Lock()
	b.manager.staticKeyIndex[impostorKP.Public] = a.fp
	b.manager.mu.Unlock()

	hs, err := noise.InitHandshake(impostorKP.Private, b.staticPub)
	require.NoError(t, err)
	msg, err := hs.WriteMessage()
	require.NoError(t, err)

	wire := packet.Packet{Type: packet.HandshakeInit, ConnectionID: 0xdeadbeef, Payload: msg}.Encode()
	require.NoError(t, attacker.Send(b.xport.LocalAddr(), wire))

	ev := waitForEvent(t, b.manager.Events(), events.KindPinningViolation)
	assert.Equal(t, a.fp, ev.PinningViolation.Fingerprint)
}
