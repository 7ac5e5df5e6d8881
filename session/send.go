package session

import (
	"fmt"
	"net"

	"github.com/chatdni/core/events"
	"github.com/chatdni/core/fingerprint"
	"github.com/chatdni/core/noise"
	"github.com/chatdni/core/packet"
)

// handleSend implements the outbound contract described in §4.5: resolve,
// send-if-Established, or initiate-and-enqueue. Must run on the Session task.
func (m *Manager) handleSend(recipientFP fingerprint.Fingerprint, streamID uint16, plaintext []byte) (SendResult, error) {
	m.mu.Lock()
	addr, known := m.endpoints[recipientFP]
	existing, hasSession := m.byFingerprint[recipientFP]
	m.mu.Unlock()

	if !known {
		if err := m.q.Enqueue(recipientFP, streamID, plaintext); err != nil {
			return Queued, fmt.Errorf("session: enqueue: %w", err)
		}
		return Queued, nil
	}

	if hasSession && existing.State == Established {
		if err := m.sendData(existing, streamID, plaintext); err != nil {
			return Queued, err
		}
		return Sent, nil
	}

	if err := m.q.Enqueue(recipientFP, streamID, plaintext); err != nil {
		return Queued, fmt.Errorf("session: enqueue: %w", err)
	}

	if !hasSession {
		if err := m.initiateHandshake(recipientFP, addr); err != nil {
			return Queued, err
		}
	}
	// AwaitingResponse: the message rides the existing in-flight handshake's drain.
	return Queued, nil
}

// ensureHandshakeInitiated starts a handshake toward recipientFP if none is
// in flight and none is Established, without enqueueing anything itself.
func (m *Manager) ensureHandshakeInitiated(recipientFP fingerprint.Fingerprint) error {
	m.mu.Lock()
	addr, known := m.endpoints[recipientFP]
	_, hasSession := m.byFingerprint[recipientFP]
	m.mu.Unlock()

	if !known || hasSession {
		return nil
	}
	return m.initiateHandshake(recipientFP, addr)
}

func (m *Manager) initiateHandshake(recipientFP fingerprint.Fingerprint, addr net.Addr) error {
	m.mu.Lock()
	staticPub := m.reverseStaticKey(recipientFP)
	m.mu.Unlock()
	if staticPub == ([32]byte{}) {
		return fmt.Errorf("session: no known static key for %s", recipientFP.Short())
	}

	hs, err := noise.InitHandshake(m.staticPriv, staticPub)
	if err != nil {
		return fmt.Errorf("session: init handshake: %w", err)
	}

	m.mu.Lock()
	connID, err := newConnectionID(m.byConnectionID, addr)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	msg, err := hs.WriteMessage()
	if err != nil {
		return fmt.Errorf("session: write handshake init: %w", err)
	}

	sess := newSession(connID, recipientFP, addr)
	sess.handshake = hs
	sess.State = AwaitingResponse
	sess.handshakeSentAt = m.clock.Now()
	sess.lastActivity = sess.handshakeSentAt

	m.mu.Lock()
	m.byConnectionID[keyFor(connID, addr)] = sess
	m.byFingerprint[recipientFP] = sess
	m.mu.Unlock()

	wire := packet.Packet{Type: packet.HandshakeInit, ConnectionID: connID, Payload: msg}.Encode()
	sess.handshakeInitWire = wire
	return m.sendWire(addr, wire)
}

// reverseStaticKey looks up the static public key associated with fp via
// the staticKeyIndex (populated by discovery or a prior contact pin).
// Caller must hold m.mu.
func (m *Manager) reverseStaticKey(fp fingerprint.Fingerprint) [32]byte {
	for key, candidate := range m.staticKeyIndex {
		if candidate == fp {
			return key
		}
	}
	if c, ok := m.books.Lookup(fp); ok {
		return c.PinnedStaticPub
	}
	return [32]byte{}
}

func (m *Manager) sendData(sess *Session, streamID uint16, plaintext []byte) error {
	ciphertext, _, err := sess.sendCipher.Encrypt(plaintext)
	if err != nil {
		m.closeSession(sess, events.CloseAeadTagInvalid)
		return fmt.Errorf("session: encrypt: %w", err)
	}

	sess.lastActivity = m.clock.Now()
	sess.touchStream(streamID, sess.lastActivity)

	wire := packet.Packet{Type: packet.Data, ConnectionID: sess.ConnectionID, StreamID: streamID, Payload: ciphertext}.Encode()
	if err := m.sendWire(sess.PeerAddress, wire); err != nil {
		m.mu.Lock()
		delete(m.endpoints, sess.PeerFingerprint)
		m.mu.Unlock()
		return fmt.Errorf("session: transport send: %w", err)
	}
	return nil
}

// drainQueue sends every queued message for fp's Established session,
// aborting and re-enqueueing at the head if any single send fails.
func (m *Manager) drainQueue(sess *Session) {
	msgs, err := m.q.Drain(sess.PeerFingerprint)
	if err != nil {
		m.log.WithError(err).Warn("queue drain read failed")
		return
	}

	for i, msg := range msgs {
		if err := m.sendData(sess, msg.StreamID, msg.Plaintext); err != nil {
			m.log.WithError(err).Warn("drain send failed, re-enqueueing remainder")
			if requeueErr := m.q.Requeue(msgs[i:]); requeueErr != nil {
				m.log.WithError(requeueErr).Error("failed to re-enqueue aborted drain")
			}
			return
		}
	}
}
