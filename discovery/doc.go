// Package discovery implements the Discovery Fabric: a LAN broadcast
// backend and an untrusted UDP relay backend, merged into a single
// observation stream consumed by the Session Manager.
//
// Both backends run concurrently and publish PeerObservation values onto
// the same channel; Fabric applies the merging policy (LAN suppresses
// relay, manual suppresses both) before handing observations onward.
package discovery
