package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/fingerprint"
)

// Relay opcodes, client→server and server→client.
const (
	opRegister    byte = 0x01
	opRelay       byte = 0x02
	opList        byte = 0x03
	opRegisterAck byte = 0x81
	opListResp    byte = 0x83
)

const (
	// registerInterval is the steady-state keepalive interval once the
	// relay has acknowledged registration.
	registerInterval = 60 * time.Second
	listInterval     = 30 * time.Second

	// registerBackoffInitial/registerBackoffMax bound the exponential
	// retry schedule (1s, 2s, 4s, ... capped at 60s) used while no
	// REGISTER_ACK has been received yet.
	registerBackoffInitial = 1 * time.Second
	registerBackoffMax     = 60 * time.Second
)

// RelayState mirrors the connection lifecycle of a RelayBackend.
type RelayState uint8

const (
	// RelayDisconnected means no registration is currently active.
	RelayDisconnected RelayState = iota
	// RelayRegistering means a REGISTER has been sent, awaiting REGISTER_ACK.
	RelayRegistering
	// RelayRegistered means the relay has acknowledged registration.
	RelayRegistered
)

// RelayBackend discovers peers through a dumb, untrusted UDP relay: it
// registers this node's fingerprint/static key/name, periodically lists
// the relay's registrants as PeerObservations, and forwards opaque
// Noise-encrypted datagrams for fingerprints it cannot reach directly.
//
// The relay never inspects RELAY payloads; it only rewrites destination
// and forwards, so it learns source IP, fingerprints, and timing but not
// message content.
type RelayBackend struct {
	self     PeerObservation
	conn     net.PacketConn
	relayAddr net.Addr
	observed chan<- PeerObservation
	clock    clock.Provider
	log      *logrus.Entry

	mu    sync.Mutex
	state RelayState

	handlerMu sync.RWMutex
	// inboundHandler receives (source fingerprint, payload) for every
	// RELAY packet the relay forwards to this node on another client's
	// behalf. Wired by the Session Manager via SetInboundHandler so
	// relay-delivered Noise packets reach the same dispatch path as a
	// direct UDP datagram.
	inboundHandler func(fromFP fingerprint.Fingerprint, payload []byte)

	cancel func()
}

// NewRelayBackend dials relayAddr (an untrusted UDP relay) and starts
// registration and periodic LIST polling. Observations are sent to out.
func NewRelayBackend(relayAddr string, self PeerObservation, out chan<- PeerObservation, clk clock.Provider) (*RelayBackend, error) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("open relay socket: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolve relay address: %w", err)
	}

	r := &RelayBackend{
		self:      self,
		conn:      conn,
		relayAddr: addr,
		observed:  out,
		clock:     clk,
		log:       logrus.WithField("component", "discovery.relay"),
		state:     RelayDisconnected,
	}

	stop := make(chan struct{})
	r.cancel = func() { close(stop) }

	go r.registerLoop(stop)
	go r.listLoop(stop)
	go r.readLoop(stop)

	return r, nil
}

// Close stops registration, listing, and the relay socket.
func (r *RelayBackend) Close() error {
	r.cancel()
	return r.conn.Close()
}

// SetInboundHandler installs the callback invoked for every RELAY packet
// the relay forwards to this node on another client's behalf. Safe to
// call at any time, including before the first forward arrives.
func (r *RelayBackend) SetInboundHandler(h func(fromFP fingerprint.Fingerprint, payload []byte)) {
	r.handlerMu.Lock()
	r.inboundHandler = h
	r.handlerMu.Unlock()
}

// SendRelayed asks the relay to forward an opaque peer-to-peer packet to
// destFP. The relay rewrites the destination and forwards to destFP's
// registered endpoint without inspecting payload.
func (r *RelayBackend) SendRelayed(destFP fingerprint.Fingerprint, payload []byte) error {
	wire := make([]byte, 1+fingerprint.Length+len(payload))
	wire[0] = opRelay
	copy(wire[1:1+fingerprint.Length], destFP)
	copy(wire[1+fingerprint.Length:], payload)
	_, err := r.conn.WriteTo(wire, r.relayAddr)
	return err
}

func (r *RelayBackend) currentState() RelayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *RelayBackend) setState(s RelayState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// registerLoop drives registration with an exponential backoff (1s, 2s,
// 4s, ... capped at registerBackoffMax) while unacknowledged, and falls
// back to a flat registerInterval keepalive once the relay has ACKed.
// Any REGISTER_ACK resets the backoff, so a later relay restart is
// retried quickly rather than at the stale steady-state cadence.
func (r *RelayBackend) registerLoop(stop <-chan struct{}) {
	backoff := registerBackoffInitial
	wait := backoff

	r.register()
	for {
		select {
		case <-time.After(wait):
		case <-stop:
			return
		}

		// Checked after the wait, so a REGISTER_ACK for the previous
		// attempt has had time to arrive before register() resets the state.
		if r.currentState() == RelayRegistered {
			wait = registerInterval
			backoff = registerBackoffInitial
		} else {
			backoff *= 2
			if backoff > registerBackoffMax {
				backoff = registerBackoffMax
			}
			wait = backoff
		}
		r.register()
	}
}

func (r *RelayBackend) register() {
	attempt := uuid.New()
	r.setState(RelayRegistering)

	name := []byte(r.self.DisplayName)
	if len(name) > 255 {
		name = name[:255]
	}

	wire := make([]byte, 1+fingerprint.Length+32+1+len(name))
	wire[0] = opRegister
	off := 1
	copy(wire[off:off+fingerprint.Length], r.self.Fingerprint)
	off += fingerprint.Length
	copy(wire[off:off+32], r.self.StaticPub[:])
	off += 32
	wire[off] = byte(len(name))
	off++
	copy(wire[off:], name)

	if _, err := r.conn.WriteTo(wire, r.relayAddr); err != nil {
		r.log.WithFields(logrus.Fields{"attempt": attempt, "error": err}).Warn("register send failed")
	}
}

func (r *RelayBackend) listLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(listInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.currentState() == RelayRegistered {
				r.sendList()
			}
		case <-stop:
			return
		}
	}
}

func (r *RelayBackend) sendList() {
	if _, err := r.conn.WriteTo([]byte{opList}, r.relayAddr); err != nil {
		r.log.WithError(err).Debug("list request failed")
	}
}

func (r *RelayBackend) readLoop(stop <-chan struct{}) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-stop:
			return
		default:
		}

		_ = r.conn.SetReadDeadline(r.clock.Now().Add(time.Second))
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		r.handle(buf[:n])
	}
}

func (r *RelayBackend) handle(wire []byte) {
	if len(wire) < 1 {
		return
	}

	switch wire[0] {
	case opRegisterAck:
		if len(wire[1:]) != fingerprint.Length {
			return
		}
		r.setState(RelayRegistered)
		r.log.Debug("relay registration acknowledged")
	case opListResp:
		r.handleListResp(wire[1:])
	case opRelay:
		r.handleRelayed(wire[1:])
	}
}

// handleRelayed unwraps a RELAY packet the relay server forwarded from
// another registered client: [source_fingerprint(16) | payload]. The
// relay rewrites only this header to identify the original sender;
// payload is the opaque Noise wire packet exactly as SendRelayed sent it.
func (r *RelayBackend) handleRelayed(body []byte) {
	if len(body) < fingerprint.Length {
		r.log.Debug("dropping truncated RELAY forward")
		return
	}

	fromFP, err := fingerprint.Parse(string(body[:fingerprint.Length]))
	if err != nil {
		r.log.WithError(err).Debug("dropping RELAY forward with malformed sender fingerprint")
		return
	}
	payload := body[fingerprint.Length:]

	r.handlerMu.RLock()
	h := r.inboundHandler
	r.handlerMu.RUnlock()
	if h == nil {
		r.log.Debug("dropping RELAY forward: no inbound handler wired")
		return
	}
	h(fromFP, payload)
}

func (r *RelayBackend) handleListResp(body []byte) {
	if len(body) < 2 {
		return
	}
	count := int(binary.BigEndian.Uint16(body[0:2]))
	off := 2

	for i := 0; i < count; i++ {
		entryMin := fingerprint.Length + 32 + 1
		if len(body) < off+entryMin {
			r.log.Warn("truncated LIST_RESP, dropping remaining entries")
			return
		}

		fp, err := fingerprint.Parse(string(body[off : off+fingerprint.Length]))
		if err != nil {
			r.log.WithError(err).Debug("dropping malformed LIST_RESP entry")
			return
		}
		off += fingerprint.Length

		var staticPub [32]byte
		copy(staticPub[:], body[off:off+32])
		off += 32

		nameLen := int(body[off])
		off++
		if len(body) < off+nameLen {
			r.log.Warn("truncated LIST_RESP name, dropping remaining entries")
			return
		}
		name := string(body[off : off+nameLen])
		off += nameLen

		if fp == r.self.Fingerprint {
			continue
		}

		r.observed <- PeerObservation{
			Fingerprint: fp,
			StaticPub:   staticPub,
			DisplayName: name,
			// The relay never reveals fp's real endpoint, only that it is
			// reachable through this relay — Address is a pseudo-addr the
			// Session Manager recognizes and routes through SendRelayed
			// rather than dialing directly.
			Address:    RelayPseudoAddr{Fingerprint: fp},
			Source:     Relay,
			ObservedAt: r.clock.Now(),
		}
	}
}
