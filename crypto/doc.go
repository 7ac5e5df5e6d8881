// Package crypto implements the low-level cryptographic primitives the
// messenger core builds on: X25519 static keypairs and constant-time
// secure memory wiping.
//
// The Noise IK handshake and the per-direction AEAD transport cipher are
// built on top of these primitives but live in the sibling noise package,
// which depends on crypto rather than duplicating it.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer crypto.WipeKeyPair(keys)
package crypto
