package noise

import (
	"errors"
	"math"
	"sync"

	flynnnoise "github.com/flynn/noise"
)

var (
	// ErrCounterExhausted is returned once a direction's 64-bit nonce
	// counter would wrap; the session must be torn down and re-established.
	ErrCounterExhausted = errors.New("noise: nonce counter exhausted")
	// ErrAeadTagInvalid marks a ciphertext that failed authentication, which
	// also covers out-of-order or replayed packets since this engine runs
	// in strict mode: the implicit nonce only ever increments by one.
	ErrAeadTagInvalid = errors.New("noise: AEAD tag invalid")
)

// Cipher wraps one direction's post-handshake AEAD transport cipher. The
// underlying *noise.CipherState already derives its nonce from an internal
// monotonic counter that starts at zero and advances by one per call, which
// is exactly the "nonce = counter, 96-bit little-endian" rule this engine
// requires: there is no sliding window, no reordering tolerance, and a lost
// or reordered packet simply fails to decrypt.
//
// A Cipher is safe for concurrent use.
type Cipher struct {
	mu      sync.Mutex
	cs      *flynnnoise.CipherState
	counter uint64
}

func newCipher(cs *flynnnoise.CipherState) *Cipher {
	return &Cipher{cs: cs}
}

// Encrypt seals plaintext under the next counter value and returns the
// ciphertext along with the counter that was consumed.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext []byte, counter uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counter == math.MaxUint64 {
		return nil, 0, ErrCounterExhausted
	}

	ciphertext, err = c.cs.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, 0, err
	}
	counter = c.counter
	c.counter++
	return ciphertext, counter, nil
}

// Decrypt opens ciphertext sealed under the next expected counter value. A
// mismatched tag — whether from corruption, replay, or a reordered packet
// racing ahead of the expected counter — is reported as ErrAeadTagInvalid
// and the caller must drop the packet rather than resynchronize.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counter == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}

	plaintext, err := c.cs.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, ErrAeadTagInvalid
	}
	c.counter++
	return plaintext, nil
}

// Counter returns the next counter value this Cipher will consume.
func (c *Cipher) Counter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
