package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	flynnnoise "github.com/flynn/noise"

	"github.com/chatdni/core/crypto"
)

// ProtocolName is the Noise protocol string mixed into the initial hash,
// naming the exact cipher suite this engine speaks.
const ProtocolName = "Noise_IK_25519_ChaChaPoly_BLAKE2s"

// Role distinguishes which side of the IK pattern a Handshake plays.
type Role uint8

const (
	// Initiator already knows the responder's static public key.
	Initiator Role = iota
	// Responder learns the initiator's static public key from the first message.
	Responder
)

var (
	// ErrHandshakeComplete is returned when a finished handshake is driven further.
	ErrHandshakeComplete = errors.New("noise: handshake already complete")
	// ErrOutOfOrder is returned when a handshake message is produced or
	// consumed in the wrong sequence for the pattern's message flow.
	ErrOutOfOrder = errors.New("noise: handshake message out of order")
	// ErrHandshakeDecryptFailed marks a malformed or tag-invalid handshake message.
	ErrHandshakeDecryptFailed = errors.New("noise: handshake decrypt failed")
	// ErrHandshakeNotComplete is returned by Finalize before both messages have been processed.
	ErrHandshakeNotComplete = errors.New("noise: handshake not complete")
)

func cipherSuite() flynnnoise.CipherSuite {
	return flynnnoise.NewCipherSuite(flynnnoise.DH25519, flynnnoise.CipherChaChaPoly, flynnnoise.HashBLAKE2s)
}

func dhKeypair(staticPriv [32]byte) (flynnnoise.DHKey, error) {
	kp, err := crypto.FromSecretKey(staticPriv)
	if err != nil {
		return flynnnoise.DHKey{}, fmt.Errorf("derive static key pair: %w", err)
	}
	dh := flynnnoise.DHKey{
		Private: append([]byte(nil), kp.Private[:]...),
		Public:  append([]byte(nil), kp.Public[:]...),
	}
	// kp.Private is a stack copy of the same static secret flynnnoise.DHKey
	// now holds; wipe it rather than leave a second plaintext copy behind
	// for the GC to collect on its own schedule.
	crypto.ZeroBytes(kp.Private[:])
	return dh, nil
}

// Handshake drives one IK handshake to completion. A Handshake is not safe
// for concurrent use; the Session Manager owns exactly one per session.
type Handshake struct {
	role       Role
	state      *flynnnoise.HandshakeState
	wrote      bool
	read       bool
	complete   bool
	sendCipher *flynnnoise.CipherState
	recvCipher *flynnnoise.CipherState
	peerStatic []byte
}

// InitHandshake creates the initiator side of an IK handshake. The
// initiator must already know the responder's static public key.
func InitHandshake(staticPriv, responderStaticPub [32]byte) (*Handshake, error) {
	kp, err := dhKeypair(staticPriv)
	if err != nil {
		return nil, err
	}

	cfg := flynnnoise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       flynnnoise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: kp,
		PeerStatic:    append([]byte(nil), responderStaticPub[:]...),
	}

	state, err := flynnnoise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("init handshake: %w", err)
	}

	return &Handshake{role: Initiator, state: state}, nil
}

// InitResponderHandshake creates the responder side of an IK handshake. The
// responder learns the peer's static public key from the first message.
func InitResponderHandshake(staticPriv [32]byte) (*Handshake, error) {
	kp, err := dhKeypair(staticPriv)
	if err != nil {
		return nil, err
	}

	cfg := flynnnoise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       flynnnoise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: kp,
	}

	state, err := flynnnoise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("init responder handshake: %w", err)
	}

	return &Handshake{role: Responder, state: state}, nil
}

// WriteMessage produces the next outbound handshake message. The initiator
// calls it once, before reading a response; the responder calls it once,
// after reading the initiator's message. Any other order returns
// ErrOutOfOrder.
func (h *Handshake) WriteMessage() ([]byte, error) {
	if h.complete {
		return nil, ErrHandshakeComplete
	}
	if h.role == Initiator {
		if h.wrote {
			return nil, ErrOutOfOrder
		}
	} else if !h.read || h.wrote {
		return nil, ErrOutOfOrder
	}

	out, send, recv, err := h.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("write handshake message: %w", err)
	}
	h.wrote = true
	h.captureSplit(send, recv)
	return out, nil
}

// ReadMessage consumes an inbound handshake message. The responder calls it
// once, for the initiator's message; the initiator calls it once, for the
// response. A tag mismatch or malformed payload is reported as
// ErrHandshakeDecryptFailed; the caller must drop the packet silently (no
// reply, no oracle).
func (h *Handshake) ReadMessage(wire []byte) error {
	if h.complete {
		return ErrHandshakeComplete
	}
	if h.role == Responder {
		if h.read {
			return ErrOutOfOrder
		}
	} else if !h.wrote || h.read {
		return ErrOutOfOrder
	}

	_, recv, send, err := h.state.ReadMessage(nil, wire)
	if err != nil {
		return ErrHandshakeDecryptFailed
	}
	h.read = true
	h.captureSplit(send, recv)
	return nil
}

// captureSplit records the peer's static key as soon as it is known (after
// the message containing `s` is processed) and, once both cipher states
// are non-nil (the pattern's final message), marks the handshake complete.
func (h *Handshake) captureSplit(send, recv *flynnnoise.CipherState) {
	if peer := h.state.PeerStatic(); len(peer) == 32 {
		h.peerStatic = append([]byte(nil), peer...)
	}
	if send != nil && recv != nil {
		h.sendCipher, h.recvCipher = send, recv
		h.complete = true
	}
}

// IsComplete reports whether both handshake messages have been processed
// and AEAD cipher states are available.
func (h *Handshake) IsComplete() bool {
	return h.complete
}

// Finalize returns the per-direction AEAD ciphers and the peer's static
// public key. It fails with ErrHandshakeNotComplete until both messages
// have been exchanged.
func (h *Handshake) Finalize() (send, recv *Cipher, peerStatic [32]byte, err error) {
	if !h.complete {
		return nil, nil, peerStatic, ErrHandshakeNotComplete
	}
	copy(peerStatic[:], h.peerStatic)
	return newCipher(h.sendCipher), newCipher(h.recvCipher), peerStatic, nil
}
