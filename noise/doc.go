// Package noise implements the Crypto Engine: a Noise IK handshake over
// X25519/ChaCha20-Poly1305/BLAKE2s, and the per-direction AEAD transport
// cipher it produces.
//
// The initiator already knows the responder's static public key (learned
// from a discovery advertisement or the contact book), so one handshake
// message authenticates the responder to the initiator, and the response
// authenticates the initiator to the responder and completes the session:
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e, es, s, ss
//	                                       <- e, ee, se
//	[session established, Finalize on both sides]
//
// Example:
//
//	hs, err := noise.InitHandshake(myStaticPriv, peerStaticPub)
//	msg, err := hs.WriteMessage()
//	// send msg, receive resp
//	err = hs.ReadMessage(resp)
//	send, recv, peerStatic, err := hs.Finalize()
package noise
