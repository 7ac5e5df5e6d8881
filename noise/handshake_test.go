package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdni/core/crypto"
)

func genStatic(t *testing.T) [32]byte {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Private
}

func TestHandshakeRoundTripEstablishesMatchingCiphers(t *testing.T) {
	initiatorStatic := genStatic(t)
	responderStatic := genStatic(t)

	initiatorKP, err := crypto.FromSecretKey(responderStatic)
	require.NoError(t, err)

	initiator, err := InitHandshake(initiatorStatic, initiatorKP.Public)
	require.NoError(t, err)
	responder, err := InitResponderHandshake(responderStatic)
	require.NoError(t, err)

	msg1, err := initiator.WriteMessage()
	require.NoError(t, err)
	assert.False(t, initiator.IsComplete())

	err = responder.ReadMessage(msg1)
	require.NoError(t, err)
	assert.False(t, responder.IsComplete())

	msg2, err := responder.WriteMessage()
	require.NoError(t, err)
	assert.True(t, responder.IsComplete())

	err = initiator.ReadMessage(msg2)
	require.NoError(t, err)
	assert.True(t, initiator.IsComplete())

	iSend, iRecv, iPeer, err := initiator.Finalize()
	require.NoError(t, err)
	rSend, rRecv, rPeer, err := responder.Finalize()
	require.NoError(t, err)

	responderKP, err := crypto.FromSecretKey(responderStatic)
	require.NoError(t, err)
	initiatorKP2, err := crypto.FromSecretKey(initiatorStatic)
	require.NoError(t, err)
	assert.Equal(t, responderKP.Public, iPeer)
	assert.Equal(t, initiatorKP2.Public, rPeer)

	plaintext := []byte("hello responder")
	ciphertext, _, err := iSend.Encrypt(plaintext)
	require.NoError(t, err)
	decrypted, err := rRecv.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	reply := []byte("hello initiator")
	ciphertext2, _, err := rSend.Encrypt(reply)
	require.NoError(t, err)
	decrypted2, err := iRecv.Decrypt(ciphertext2)
	require.NoError(t, err)
	assert.Equal(t, reply, decrypted2)
}

func TestHandshakeOutOfOrderRejected(t *testing.T) {
	initiatorStatic := genStatic(t)
	responderStatic := genStatic(t)
	responderKP, err := crypto.FromSecretKey(responderStatic)
	require.NoError(t, err)

	initiator, err := InitHandshake(initiatorStatic, responderKP.Public)
	require.NoError(t, err)

	err = initiator.ReadMessage([]byte("too early"))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = initiator.WriteMessage()
	require.NoError(t, err)
	_, err = initiator.WriteMessage()
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestHandshakeWrongResponderKeyFails(t *testing.T) {
	initiatorStatic := genStatic(t)
	responderStatic := genStatic(t)
	wrongStatic := genStatic(t)

	wrongKP, err := crypto.FromSecretKey(wrongStatic)
	require.NoError(t, err)

	initiator, err := InitHandshake(initiatorStatic, wrongKP.Public)
	require.NoError(t, err)
	responder, err := InitResponderHandshake(responderStatic)
	require.NoError(t, err)

	msg1, err := initiator.WriteMessage()
	require.NoError(t, err)

	err = responder.ReadMessage(msg1)
	assert.ErrorIs(t, err, ErrHandshakeDecryptFailed)
}

func TestFinalizeBeforeCompleteFails(t *testing.T) {
	staticKey := genStatic(t)
	responder, err := InitResponderHandshake(staticKey)
	require.NoError(t, err)

	_, _, _, err = responder.Finalize()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}
