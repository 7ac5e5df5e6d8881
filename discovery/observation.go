package discovery

import (
	"net"
	"time"

	"github.com/chatdni/core/fingerprint"
)

// Source names which backend produced a PeerObservation.
type Source uint8

const (
	// LAN observations come from local multicast broadcast.
	LAN Source = iota
	// Relay observations come from the untrusted UDP relay's LIST response.
	Relay
	// Manual observations are supplied directly by the operator (e.g. CLI flag).
	Manual
)

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s {
	case LAN:
		return "lan"
	case Relay:
		return "relay"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// PeerObservation reports one sighting of a peer by a discovery backend.
//
// A zero ObservedAt is a sentinel meaning "this fingerprint is no longer
// reachable" (emitted by Fabric.pruneStale when a LAN entry goes stale);
// every live sighting always carries a non-zero ObservedAt.
type PeerObservation struct {
	Fingerprint fingerprint.Fingerprint
	StaticPub   [32]byte
	DisplayName string
	Address     net.Addr
	Source      Source
	ObservedAt  time.Time
}

// RelayPseudoAddr stands in for a peer's network address when it was
// discovered through RelayBackend's LIST response. The relay never reveals
// another client's real endpoint, only its fingerprint, so this is not a
// dialable net.Addr — callers that hold one must route outbound traffic
// through RelayBackend.SendRelayed instead of a transport socket.
type RelayPseudoAddr struct {
	Fingerprint fingerprint.Fingerprint
}

// Network implements net.Addr.
func (a RelayPseudoAddr) Network() string { return "relay" }

// String implements net.Addr.
func (a RelayPseudoAddr) String() string { return "relay:" + a.Fingerprint.String() }
