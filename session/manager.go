// Package session implements the Session Manager: the sole owner of the
// session table, the Contact Book, and the Message Queue. It processes
// inbound packets, outbound send requests, discovery observations, and
// timer ticks serially from a single input channel, exactly matching the
// "background tasks and callbacks → channels and typed events" redesign.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"

	"github.com/sirupsen/logrus"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/contact"
	"github.com/chatdni/core/discovery"
	"github.com/chatdni/core/events"
	"github.com/chatdni/core/fingerprint"
	"github.com/chatdni/core/queue"
	"github.com/chatdni/core/transport"
)

const (
	// handshakeResponseTimeout is how long AwaitingResponse waits before a
	// single retry of HANDSHAKE_INIT; a second timeout closes the session.
	handshakeResponseTimeout = 10 * time.Second
	// idleTimeout closes an Established session that has carried no
	// traffic for this long.
	idleTimeout = 10 * time.Minute
)

// SendResult reports what Send did with a message.
type SendResult uint8

const (
	// Sent means the message was encrypted and handed to the transport
	// immediately because an Established session already existed.
	Sent SendResult = iota
	// Queued means no Established session existed; the message was
	// persisted and will be drained once one is established.
	Queued
)

type msgKind uint8

const (
	msgInbound msgKind = iota
	msgPeer
	msgSend
	msgTick
	msgRename
)

// sessionKey disambiguates sessions whose connection_id collides by also
// keying on the peer's source address, satisfying the spec's
// "(connection_id, peer_endpoint_or_fingerprint_hint)" requirement: two
// peers that happen to pick the same random connection_id never
// cross-contaminate because their addr components differ.
type sessionKey struct {
	connectionID uint32
	addr         string
}

func keyFor(connectionID uint32, addr net.Addr) sessionKey {
	a := ""
	if addr != nil {
		a = addr.String()
	}
	return sessionKey{connectionID: connectionID, addr: a}
}

// RelaySender forwards an opaque session wire packet to destFP through an
// untrusted relay, for peers with no directly reachable transport address.
// Satisfied by *discovery.RelayBackend.
type RelaySender interface {
	SendRelayed(destFP fingerprint.Fingerprint, payload []byte) error
}

// PeerInfo summarizes one peer the Manager currently knows a route to, for
// the list_peers UI command.
type PeerInfo struct {
	Fingerprint fingerprint.Fingerprint
	DisplayName string
	Established bool
}

type sendEnvelope struct {
	fp        fingerprint.Fingerprint
	streamID  uint16
	plaintext []byte
	resp      chan sendResponse
}

type sendResponse struct {
	result SendResult
	err    error
}

type renameEnvelope struct {
	fp      fingerprint.Fingerprint
	newName string
	resp    chan error
}

type envelope struct {
	kind    msgKind
	wire    []byte
	addr    net.Addr
	peer    discovery.PeerObservation
	send    sendEnvelope
	rename  renameEnvelope
}

// Manager owns the session table, fingerprint index, Contact Book, and
// Message Queue, and drives the handshake/transport state machine.
type Manager struct {
	staticPriv [32]byte
	selfFP     fingerprint.Fingerprint

	xport *transport.UDPTransport
	books *contact.Book
	q     *queue.Queue
	clock clock.Provider
	log   *logrus.Entry

	relay RelaySender

	mu             sync.Mutex
	byConnectionID map[sessionKey]*Session
	byFingerprint  map[fingerprint.Fingerprint]*Session
	staticKeyIndex map[[32]byte]fingerprint.Fingerprint
	endpoints      map[fingerprint.Fingerprint]net.Addr

	input  chan envelope
	events chan events.Event
	done   chan struct{}
}

// New constructs a Manager. Callers must call Run in its own goroutine and
// wire the Transport's Handler to HandleInbound and a discovery.Fabric's
// Observations to ForwardObservations.
func New(staticPriv [32]byte, selfFP fingerprint.Fingerprint, xport *transport.UDPTransport, books *contact.Book, q *queue.Queue, clk clock.Provider) *Manager {
	return &Manager{
		staticPriv:     staticPriv,
		selfFP:         selfFP,
		xport:          xport,
		books:          books,
		q:              q,
		clock:          clk,
		log:            logrus.WithField("component", "session"),
		byConnectionID: make(map[sessionKey]*Session),
		byFingerprint:  make(map[fingerprint.Fingerprint]*Session),
		staticKeyIndex: make(map[[32]byte]fingerprint.Fingerprint),
		endpoints:      make(map[fingerprint.Fingerprint]net.Addr),
		input:          make(chan envelope, 256),
		events:         make(chan events.Event, 256),
		done:           make(chan struct{}),
	}
}

// Events returns the channel of UI-facing events the Manager emits.
func (m *Manager) Events() <-chan events.Event {
	return m.events
}

// SetRelay wires a relay backend so sessions whose peer is reachable only
// through a discovery.RelayPseudoAddr can send through it. Call once
// during startup, before any relay-routed traffic is expected; nil is the
// zero-value default (no relay configured, relay-routed sends fail).
func (m *Manager) SetRelay(r RelaySender) {
	m.relay = r
}

// HandleRelayedInbound decodes a packet an untrusted relay forwarded on
// fromFP's behalf and queues it for processing exactly like a direct
// transport datagram, addressed with a discovery.RelayPseudoAddr so any
// reply is routed back through the relay too. Intended to be wired as a
// discovery.RelayBackend's inbound handler.
func (m *Manager) HandleRelayedInbound(fromFP fingerprint.Fingerprint, payload []byte) {
	addr := discovery.RelayPseudoAddr{Fingerprint: fromFP}
	select {
	case m.input <- envelope{kind: msgInbound, wire: payload, addr: addr}:
	case <-m.done:
	}
}

// HandleInbound decodes wire and queues it for processing by Run. Intended
// to be wired as a transport.Handler.
func (m *Manager) HandleInbound(wire []byte, addr net.Addr) {
	select {
	case m.input <- envelope{kind: msgInbound, wire: wire, addr: addr}:
	case <-m.done:
	}
}

// ForwardObservations drains obsCh (typically a discovery.Fabric's
// Observations channel) into the Manager's input channel until obsCh
// closes or stop is closed.
func (m *Manager) ForwardObservations(obsCh <-chan discovery.PeerObservation, stop <-chan struct{}) {
	for {
		select {
		case obs, ok := <-obsCh:
			if !ok {
				return
			}
			m.input <- envelope{kind: msgPeer, peer: obs}
		case <-stop:
			return
		}
	}
}

// Send implements the outbound contract: resolve recipientFP, send
// immediately if an Established session exists, otherwise initiate a
// handshake (or enqueue behind one already in flight) and enqueue the
// message for drain-on-Established.
func (m *Manager) Send(recipientFP fingerprint.Fingerprint, streamID uint16, plaintext []byte) (SendResult, error) {
	resp := make(chan sendResponse, 1)
	m.input <- envelope{kind: msgSend, send: sendEnvelope{fp: recipientFP, streamID: streamID, plaintext: plaintext, resp: resp}}
	r := <-resp
	return r.result, r.err
}

// Rename updates a contact's display name through the Session task so it
// serializes with any concurrent Pin from an inbound handshake.
func (m *Manager) Rename(fp fingerprint.Fingerprint, newName string) error {
	resp := make(chan error, 1)
	m.input <- envelope{kind: msgRename, rename: renameEnvelope{fp: fp, newName: newName, resp: resp}}
	return <-resp
}

// ListPeers implements the list_peers UI command: every peer with a known
// endpoint, annotated with its display name (if pinned) and whether its
// session is currently Established.
func (m *Manager) ListPeers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerInfo, 0, len(m.endpoints))
	for fp := range m.endpoints {
		info := PeerInfo{Fingerprint: fp}
		if c, ok := m.books.Lookup(fp); ok {
			info.DisplayName = c.DisplayName
		}
		if s, ok := m.byFingerprint[fp]; ok && s.State == Established {
			info.Established = true
		}
		out = append(out, info)
	}
	return out
}

// DeletePeer implements the delete_peer UI command: it forgets fp's
// endpoint, static-key mapping, and any live session. The Contact Book's
// pin is left intact — delete_peer removes reachability, not trust, so a
// future re-handshake from fp is still checked against the existing pin.
func (m *Manager) DeletePeer(fp fingerprint.Fingerprint) {
	m.mu.Lock()
	delete(m.endpoints, fp)
	if s, ok := m.byFingerprint[fp]; ok {
		delete(m.byConnectionID, keyFor(s.ConnectionID, s.PeerAddress))
		delete(m.byFingerprint, fp)
	}
	for key, candidate := range m.staticKeyIndex {
		if candidate == fp {
			delete(m.staticKeyIndex, key)
		}
	}
	m.mu.Unlock()
}

// AddPeerManual implements the add_peer_manual UI command: it registers an
// operator-supplied endpoint for fp through the same discovery-observation
// path a Fabric would use, so a deployment with no discovery.Fabric wired
// in can still reach a peer by address.
func (m *Manager) AddPeerManual(fp fingerprint.Fingerprint, addr net.Addr, staticPub [32]byte) {
	obs := discovery.PeerObservation{
		Fingerprint: fp,
		StaticPub:   staticPub,
		Address:     addr,
		Source:      discovery.Manual,
		ObservedAt:  m.clock.Now(),
	}
	select {
	case m.input <- envelope{kind: msgPeer, peer: obs}:
	case <-m.done:
	}
}

// Run is the Session task's loop: it processes envelopes serially until
// Close is called. Run must be started in its own goroutine.
func (m *Manager) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				select {
				case m.input <- envelope{kind: msgTick}:
				case <-m.done:
					return
				}
			case <-m.done:
				return
			}
		}
	}()

	for {
		select {
		case env := <-m.input:
			m.dispatch(env)
		case <-m.done:
			return
		}
	}
}

// Close signals Run to stop; it does not wait for Run to exit.
func (m *Manager) Close() {
	close(m.done)
}

func (m *Manager) dispatch(env envelope) {
	switch env.kind {
	case msgInbound:
		m.handleInboundPacket(env.wire, env.addr)
	case msgPeer:
		m.handlePeerObservation(env.peer)
	case msgSend:
		result, err := m.handleSend(env.send.fp, env.send.streamID, env.send.plaintext)
		env.send.resp <- sendResponse{result: result, err: err}
	case msgTick:
		m.checkTimeouts()
	case msgRename:
		err := m.books.Rename(env.rename.fp, env.rename.newName)
		env.rename.resp <- err
	}
}

// sendWire transmits wire to addr, routing through the relay when addr is
// a discovery.RelayPseudoAddr rather than a directly dialable transport
// endpoint.
func (m *Manager) sendWire(addr net.Addr, wire []byte) error {
	if ra, ok := addr.(discovery.RelayPseudoAddr); ok {
		if m.relay == nil {
			return fmt.Errorf("session: no relay configured to reach %s", ra.Fingerprint.Short())
		}
		return m.relay.SendRelayed(ra.Fingerprint, wire)
	}
	return m.xport.Send(addr, wire)
}

func (m *Manager) emit(kind events.Kind, ev events.Event) {
	ev.Kind = kind
	select {
	case m.events <- ev:
	default:
		m.log.Warn("event channel full, dropping event")
	}
}

// newConnectionID picks a random connection_id unused for addr specifically.
// Sessions are keyed by (connection_id, addr), so the same id already used
// toward a different peer is not a collision here — only a repeat against
// this exact addr would be, and 16 attempts at 32 bits of randomness make
// even that vanishingly unlikely.
func newConnectionID(taken map[sessionKey]*Session, addr net.Addr) (uint32, error) {
	for attempt := 0; attempt < 16; attempt++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("session: generate connection id: %w", err)
		}
		id := binary.BigEndian.Uint32(b[:])
		if _, exists := taken[keyFor(id, addr)]; !exists {
			return id, nil
		}
	}
	return 0, fmt.Errorf("session: exhausted connection id attempts")
}

// fingerprintForStaticKey derives a fallback fingerprint from a presented
// Noise static public key when no discovery observation or contact pin has
// already associated that key with a fingerprint. The real fingerprint is
// an opaque value from the (out-of-scope) identity provider; this fallback
// only covers the edge case of a peer reaching us by handshake before any
// discovery sighting.
func fingerprintForStaticKey(pub [32]byte) fingerprint.Fingerprint {
	sum := blake2s.Sum256(pub[:])
	const hexDigits = "0123456789abcdef"
	out := make([]byte, fingerprint.Length)
	for i := 0; i < fingerprint.Length/2; i++ {
		out[i*2] = hexDigits[sum[i]>>4]
		out[i*2+1] = hexDigits[sum[i]&0x0f]
	}
	return fingerprint.Fingerprint(out)
}

func (m *Manager) handlePeerObservation(obs discovery.PeerObservation) {
	if obs.ObservedAt.IsZero() {
		// Fabric.pruneStale's departure sentinel: the fingerprint's
		// discovered endpoint is gone. Existing sessions are left alone —
		// only the stale routing hint is dropped — so in-flight traffic
		// on an already-Established session is unaffected.
		m.mu.Lock()
		delete(m.endpoints, obs.Fingerprint)
		m.mu.Unlock()
		m.emit(events.KindPeerLost, events.Event{PeerLost: &events.PeerLost{Fingerprint: obs.Fingerprint}})
		return
	}

	m.mu.Lock()
	_, alreadyKnown := m.endpoints[obs.Fingerprint]
	m.staticKeyIndex[obs.StaticPub] = obs.Fingerprint
	m.endpoints[obs.Fingerprint] = obs.Address
	m.mu.Unlock()

	if !alreadyKnown {
		m.emit(events.KindPeerDiscovered, events.Event{PeerDiscovered: &events.PeerDiscovered{
			Fingerprint: obs.Fingerprint,
			Name:        obs.DisplayName,
			Source:      obs.Source,
		}})
	}

	m.mu.Lock()
	hasQueued := m.q.Count(obs.Fingerprint) > 0
	_, established := m.sessionFor(obs.Fingerprint)
	m.mu.Unlock()

	if hasQueued && !established {
		if err := m.ensureHandshakeInitiated(obs.Fingerprint); err != nil {
			m.log.WithError(err).Debug("failed to kick handshake after discovery")
		}
	}
}

// sessionFor returns the Established session for fp, if any. Caller must
// hold m.mu.
func (m *Manager) sessionFor(fp fingerprint.Fingerprint) (*Session, bool) {
	s, ok := m.byFingerprint[fp]
	if !ok || s.State != Established {
		return nil, false
	}
	return s, true
}
