package session

import (
	"net"
	"time"

	"github.com/chatdni/core/fingerprint"
	"github.com/chatdni/core/noise"
)

// State is a Session's position in the handshake/transport state machine.
type State uint8

const (
	// Initiating means a HANDSHAKE_INIT has been constructed but not yet sent.
	Initiating State = iota
	// AwaitingResponse means HANDSHAKE_INIT has been sent; waiting for HANDSHAKE_RESP.
	AwaitingResponse
	// Established means both AEAD ciphers are keyed and DATA may flow.
	Established
	// Closed is terminal; the Session must be re-created by a fresh handshake.
	Closed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Initiating:
		return "initiating"
	case AwaitingResponse:
		return "awaiting_response"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is a logical conversation channel multiplexed onto one session.
// Born on first use; never explicitly torn down; cleaned up with its
// session.
type Stream struct {
	StreamID     uint16
	LastActivity time.Time
}

// Session is one Noise IK transport session: the handshake in flight or
// completed, its per-direction AEAD ciphers and counters, and the streams
// multiplexed onto it.
type Session struct {
	ConnectionID    uint32
	PeerFingerprint fingerprint.Fingerprint
	PeerAddress     net.Addr
	State           State

	handshake  *noise.Handshake
	sendCipher *noise.Cipher
	recvCipher *noise.Cipher

	streams map[uint16]*Stream

	lastActivity      time.Time
	handshakeSentAt   time.Time
	handshakeRetried  bool
	handshakeInitWire []byte
}

func newSession(connectionID uint32, peerFP fingerprint.Fingerprint, addr net.Addr) *Session {
	return &Session{
		ConnectionID:    connectionID,
		PeerFingerprint: peerFP,
		PeerAddress:     addr,
		State:           Initiating,
		streams:         make(map[uint16]*Stream),
	}
}

func (s *Session) touchStream(streamID uint16, now time.Time) {
	if st, ok := s.streams[streamID]; ok {
		st.LastActivity = now
		return
	}
	s.streams[streamID] = &Stream{StreamID: streamID, LastActivity: now}
}
