package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe erases a buffer holding Noise IK key material — a static or
// ephemeral X25519 private scalar, a clamped intermediate, or any other
// secret this package hands back to a caller — once it is no longer
// needed. It returns an error if data is nil.
//
// subtle.XORBytes performs a constant-time XOR that the compiler cannot
// optimize away; XORing a buffer against itself (x XOR x = 0) zeros it
// without the compiler eliding the write as dead code, which a plain loop
// assigning zero is free to do.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	subtle.XORBytes(data, data, data)

	// Keeps data reachable through the XOR call above so the compiler
	// can't prove the wipe is dead and remove it.
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes wipes data, discarding SecureWipe's nil-buffer error. Callers
// that already guarantee a non-nil slice (the common case — a fixed-size
// key array sliced to its full length) use this instead of checking an
// error that can't occur for them.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases kp's private half once its public key and any
// derived Noise session ciphers no longer need it — e.g. after a
// handshake's DH keypair has been consumed by flynn/noise's internal
// state. The public half is left intact; it isn't secret.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}
