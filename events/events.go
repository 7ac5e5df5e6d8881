// Package events defines the typed event union the Session task emits to
// the UI. Events are plain structs carried over a channel rather than
// callback invocations, so ordering within the channel is the only
// guarantee callers need to reason about.
package events

import (
	"github.com/chatdni/core/discovery"
	"github.com/chatdni/core/fingerprint"
)

// Event is the tagged union of everything the Session task reports to the UI.
// Exactly one of the embedded fields is non-nil/meaningful per Event; callers
// discriminate on Kind.
type Event struct {
	Kind Kind

	PeerDiscovered     *PeerDiscovered
	PeerLost           *PeerLost
	SessionEstablished *SessionEstablished
	SessionClosed      *SessionClosed
	MessageReceived    *MessageReceived
	PinningViolation   *PinningViolation
}

// Kind discriminates the Event union.
type Kind uint8

const (
	KindPeerDiscovered Kind = iota
	KindPeerLost
	KindSessionEstablished
	KindSessionClosed
	KindMessageReceived
	KindPinningViolation
)

// PeerDiscovered reports a newly observed peer (first sighting, or a
// sighting after PeerLost).
type PeerDiscovered struct {
	Fingerprint fingerprint.Fingerprint
	Name        string
	Source      discovery.Source
}

// PeerLost reports that a previously discovered peer's endpoint expired.
type PeerLost struct {
	Fingerprint fingerprint.Fingerprint
}

// SessionEstablished reports a session reaching the Established state.
type SessionEstablished struct {
	Fingerprint fingerprint.Fingerprint
}

// CloseReason names why a session was closed.
type CloseReason uint8

const (
	CloseIdleTimeout CloseReason = iota
	CloseAeadTagInvalid
	ClosePinningViolation
	CloseExplicit
)

// SessionClosed reports a session reaching the terminal Closed state, whether
// it was Established or still awaiting a handshake response.
type SessionClosed struct {
	Fingerprint fingerprint.Fingerprint
	Reason      CloseReason
}

// MessageReceived reports a decrypted inbound application payload.
type MessageReceived struct {
	Fingerprint fingerprint.Fingerprint
	StreamID    uint16
	Plaintext   []byte
}

// PinningViolation reports a peer presenting a static key that does not
// match the one pinned in the Contact Book.
type PinningViolation struct {
	Fingerprint fingerprint.Fingerprint
}
