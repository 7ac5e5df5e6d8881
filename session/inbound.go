package session

import (
	"net"

	"github.com/chatdni/core/contact"
	"github.com/chatdni/core/events"
	"github.com/chatdni/core/fingerprint"
	"github.com/chatdni/core/noise"
	"github.com/chatdni/core/packet"
)

func (m *Manager) handleInboundPacket(wire []byte, addr net.Addr) {
	p, err := packet.Decode(wire)
	if err != nil {
		m.log.WithError(err).Debug("dropping malformed packet")
		return
	}

	switch p.Type {
	case packet.HandshakeInit:
		m.handleHandshakeInit(p, addr)
	case packet.HandshakeResp:
		m.handleHandshakeResp(p, addr)
	case packet.Data:
		m.handleData(p, addr)
	case packet.Ack:
		// Reserved for a future per-message delivery acknowledgement;
		// the AEAD tag is the implicit integrity acknowledgement today.
	}
}

func (m *Manager) handleHandshakeInit(p packet.Packet, addr net.Addr) {
	key := keyFor(p.ConnectionID, addr)
	m.mu.Lock()
	_, exists := m.byConnectionID[key]
	m.mu.Unlock()
	if exists {
		// A retransmit of the exact same (connection_id, source address)
		// pair is a duplicate HANDSHAKE_INIT, not a fresh session; drop it
		// rather than restart an in-progress or completed handshake. A
		// different peer that happens to pick the same connection_id is
		// keyed separately below since its addr component differs, so it
		// never collides with this entry.
		return
	}

	hs, err := noise.InitResponderHandshake(m.staticPriv)
	if err != nil {
		m.log.WithError(err).Warn("failed to init responder handshake")
		return
	}

	if err := hs.ReadMessage(p.Payload); err != nil {
		m.log.WithError(err).Debug("dropping undecryptable handshake init")
		return
	}

	resp, err := hs.WriteMessage()
	if err != nil {
		m.log.WithError(err).Warn("failed to write handshake response")
		return
	}

	sendCipher, recvCipher, peerStatic, err := hs.Finalize()
	if err != nil {
		m.log.WithError(err).Warn("handshake did not finalize")
		return
	}

	peerFP := m.resolveFingerprintForStaticKey(peerStatic)

	pinResult, err := m.books.Pin(peerFP, peerStatic, "")
	if err != nil {
		m.log.WithError(err).Error("contact book pin failed")
		return
	}
	if pinResult == contact.Violation {
		m.emit(events.KindPinningViolation, events.Event{PinningViolation: &events.PinningViolation{Fingerprint: peerFP}})
		return
	}

	sess := newSession(p.ConnectionID, peerFP, addr)
	sess.handshake = hs
	sess.sendCipher = sendCipher
	sess.recvCipher = recvCipher
	sess.State = Established
	sess.lastActivity = m.clock.Now()

	m.mu.Lock()
	m.byConnectionID[key] = sess
	m.byFingerprint[peerFP] = sess
	m.staticKeyIndex[peerStatic] = peerFP
	m.endpoints[peerFP] = addr
	m.mu.Unlock()

	wire := packet.Packet{Type: packet.HandshakeResp, ConnectionID: p.ConnectionID, Payload: resp}.Encode()
	if err := m.sendWire(addr, wire); err != nil {
		m.log.WithError(err).Warn("failed to send handshake response")
	}

	m.emit(events.KindSessionEstablished, events.Event{SessionEstablished: &events.SessionEstablished{Fingerprint: peerFP}})
	m.drainQueue(sess)
}

func (m *Manager) handleHandshakeResp(p packet.Packet, addr net.Addr) {
	m.mu.Lock()
	sess, ok := m.byConnectionID[keyFor(p.ConnectionID, addr)]
	m.mu.Unlock()
	if !ok || sess.State != AwaitingResponse {
		return
	}

	if err := sess.handshake.ReadMessage(p.Payload); err != nil {
		m.log.WithError(err).Debug("dropping undecryptable handshake response")
		return
	}

	sendCipher, recvCipher, peerStatic, err := sess.handshake.Finalize()
	if err != nil {
		m.log.WithError(err).Warn("handshake did not finalize")
		return
	}

	pinResult, err := m.books.Pin(sess.PeerFingerprint, peerStatic, "")
	if err != nil {
		m.log.WithError(err).Error("contact book pin failed")
		return
	}
	if pinResult == contact.Violation {
		m.emit(events.KindPinningViolation, events.Event{PinningViolation: &events.PinningViolation{Fingerprint: sess.PeerFingerprint}})
		m.closeSession(sess, events.ClosePinningViolation)
		return
	}

	sess.sendCipher = sendCipher
	sess.recvCipher = recvCipher
	sess.State = Established
	sess.lastActivity = m.clock.Now()

	m.emit(events.KindSessionEstablished, events.Event{SessionEstablished: &events.SessionEstablished{Fingerprint: sess.PeerFingerprint}})
	m.drainQueue(sess)
}

func (m *Manager) handleData(p packet.Packet, addr net.Addr) {
	m.mu.Lock()
	sess, ok := m.byConnectionID[keyFor(p.ConnectionID, addr)]
	m.mu.Unlock()
	if !ok || sess.State != Established {
		return
	}

	plaintext, err := sess.recvCipher.Decrypt(p.Payload)
	if err != nil {
		m.log.WithError(err).Debug("DATA decrypt failed, closing session")
		m.closeSession(sess, events.CloseAeadTagInvalid)
		return
	}

	sess.lastActivity = m.clock.Now()
	sess.touchStream(p.StreamID, sess.lastActivity)

	m.emit(events.KindMessageReceived, events.Event{MessageReceived: &events.MessageReceived{
		Fingerprint: sess.PeerFingerprint,
		StreamID:    p.StreamID,
		Plaintext:   plaintext,
	}})
}

// resolveFingerprintForStaticKey returns the fingerprint already associated
// with peerStatic (via discovery or a prior pin), falling back to a
// derived fingerprint when this is the first contact from that key.
func (m *Manager) resolveFingerprintForStaticKey(peerStatic [32]byte) fingerprint.Fingerprint {
	m.mu.Lock()
	fp, ok := m.staticKeyIndex[peerStatic]
	m.mu.Unlock()
	if ok {
		return fp
	}
	return fingerprintForStaticKey(peerStatic)
}

func (m *Manager) closeSession(sess *Session, reason events.CloseReason) {
	sess.State = Closed

	m.mu.Lock()
	delete(m.byConnectionID, keyFor(sess.ConnectionID, sess.PeerAddress))
	if m.byFingerprint[sess.PeerFingerprint] == sess {
		delete(m.byFingerprint, sess.PeerFingerprint)
	}
	m.mu.Unlock()

	m.emit(events.KindSessionClosed, events.Event{SessionClosed: &events.SessionClosed{
		Fingerprint: sess.PeerFingerprint,
		Reason:      reason,
	}})
}

func (m *Manager) checkTimeouts() {
	now := m.clock.Now()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byConnectionID))
	for _, s := range m.byConnectionID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		switch sess.State {
		case AwaitingResponse:
			if now.Sub(sess.handshakeSentAt) < handshakeResponseTimeout {
				continue
			}
			if !sess.handshakeRetried {
				m.retryHandshakeInit(sess)
				continue
			}
			m.closeSession(sess, events.CloseIdleTimeout)
		case Established:
			if now.Sub(sess.lastActivity) >= idleTimeout {
				m.closeSession(sess, events.CloseIdleTimeout)
			}
		}
	}
}

// retryHandshakeInit resends the original HANDSHAKE_INIT bytes verbatim: a
// Noise IK initiator may only call WriteMessage once per handshake, so a
// retry is a wire-level retransmit, not a fresh handshake message.
func (m *Manager) retryHandshakeInit(sess *Session) {
	sess.handshakeRetried = true
	sess.handshakeSentAt = m.clock.Now()

	if err := m.sendWire(sess.PeerAddress, sess.handshakeInitWire); err != nil {
		m.log.WithError(err).Warn("handshake retry send failed")
	}
}
