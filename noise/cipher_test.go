package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdni/core/crypto"
)

func establishedPair(t *testing.T) (send, recv *Cipher) {
	t.Helper()
	initiatorStatic := genStatic(t)
	responderStatic := genStatic(t)
	responderKP, err := crypto.FromSecretKey(responderStatic)
	require.NoError(t, err)

	initiator, err := InitHandshake(initiatorStatic, responderKP.Public)
	require.NoError(t, err)
	responder, err := InitResponderHandshake(responderStatic)
	require.NoError(t, err)

	msg1, err := initiator.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, responder.ReadMessage(msg1))
	msg2, err := responder.WriteMessage()
	require.NoError(t, err)
	require.NoError(t, initiator.ReadMessage(msg2))

	iSend, _, _, err := initiator.Finalize()
	require.NoError(t, err)
	_, rRecv, _, err := responder.Finalize()
	require.NoError(t, err)
	return iSend, rRecv
}

func TestCipherEncryptDecryptRoundTrip(t *testing.T) {
	send, recv := establishedPair(t)

	for i := 0; i < 5; i++ {
		plaintext := []byte("message")
		ciphertext, counter, err := send.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), counter)

		decrypted, err := recv.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestCipherOutOfOrderDecryptFails(t *testing.T) {
	send, recv := establishedPair(t)

	ct1, _, err := send.Encrypt([]byte("first"))
	require.NoError(t, err)
	ct2, _, err := send.Encrypt([]byte("second"))
	require.NoError(t, err)

	_, err = recv.Decrypt(ct2)
	assert.ErrorIs(t, err, ErrAeadTagInvalid)

	// The rejected packet had no effect on the expected counter, so the
	// packet that is actually next in sequence still decrypts.
	first, err := recv.Decrypt(ct1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first)
}

func TestCipherCounterAdvancesMonotonically(t *testing.T) {
	send, _ := establishedPair(t)
	assert.Equal(t, uint64(0), send.Counter())
	_, _, err := send.Encrypt([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), send.Counter())
}
