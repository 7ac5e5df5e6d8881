package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 static keypair — the Noise-IK "s" key. The private
// half is the static_private_key supplied by the identity provider or, for
// ephemeral keys generated internally by the Noise engine, produced fresh.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"package":  "crypto",
	})

	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		logger.WithError(err).Error("failed to read random entropy for key pair")
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	kp, err := FromSecretKey(private)
	ZeroBytes(private[:])
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"public_key_preview": fmt.Sprintf("%x", kp.Public[:8]),
	}).Debug("generated new X25519 key pair")

	return kp, nil
}

// FromSecretKey derives an X25519 key pair from an existing private key,
// such as the static_private_key returned by the identity provider's
// authenticate() call.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "FromSecretKey",
		"package":  "crypto",
	})

	if isZeroKey(secretKey) {
		logger.Error("secret key validation failed: all-zero key")
		return nil, errors.New("invalid secret key: all zeros")
	}

	var clamped [32]byte
	copy(clamped[:], secretKey[:])
	// Curve25519 clamping per RFC 7748.
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	var public [32]byte
	curve25519.ScalarBaseMult(&public, &clamped)
	ZeroBytes(clamped[:])

	kp := &KeyPair{
		Public:  public,
		Private: secretKey,
	}

	logger.WithFields(logrus.Fields{
		"public_key_preview": fmt.Sprintf("%x", kp.Public[:8]),
	}).Debug("derived key pair from secret key")

	return kp, nil
}

// isZeroKey reports whether key consists entirely of zero bytes.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
