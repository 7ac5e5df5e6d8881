package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/fingerprint"
)

func mustFP(t *testing.T, s string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Parse(s)
	require.NoError(t, err)
	return fp
}

func TestEnqueueDrainPreservesFIFOOrder(t *testing.T) {
	dir := t.TempDir()
	q, err := Load(filepath.Join(dir, "queue.json"), clock.Default)
	require.NoError(t, err)

	fp := mustFP(t, "0123456789abcdef")
	require.NoError(t, q.Enqueue(fp, 1, []byte("m1")))
	require.NoError(t, q.Enqueue(fp, 1, []byte("m2")))
	require.NoError(t, q.Enqueue(fp, 1, []byte("m3")))

	assert.Equal(t, 3, q.Count(fp))

	msgs, err := q.Drain(fp)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []byte("m1"), msgs[0].Plaintext)
	assert.Equal(t, []byte("m2"), msgs[1].Plaintext)
	assert.Equal(t, []byte("m3"), msgs[2].Plaintext)
	assert.Equal(t, 0, q.Count(fp))
}

func TestRequeueRestoresHeadOrder(t *testing.T) {
	dir := t.TempDir()
	q, err := Load(filepath.Join(dir, "queue.json"), clock.Default)
	require.NoError(t, err)

	fp := mustFP(t, "0123456789abcdef")
	require.NoError(t, q.Enqueue(fp, 1, []byte("later")))

	msgs, err := q.Drain(fp)
	require.NoError(t, err)
	failedAndRest := []QueuedMessage{
		{RecipientFingerprint: fp, StreamID: 1, Plaintext: []byte("failed")},
	}
	failedAndRest = append(failedAndRest, msgs...)

	require.NoError(t, q.Requeue(failedAndRest))
	assert.Equal(t, 2, q.Count(fp))

	drained, err := q.Drain(fp)
	require.NoError(t, err)
	assert.Equal(t, []byte("failed"), drained[0].Plaintext)
	assert.Equal(t, []byte("later"), drained[1].Plaintext)
}

func TestQueuePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")

	q, err := Load(path, clock.Default)
	require.NoError(t, err)
	fp := mustFP(t, "0123456789abcdef")
	require.NoError(t, q.Enqueue(fp, 2, []byte("persisted")))

	reloaded, err := Load(path, clock.Default)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Count(fp))

	msgs, err := reloaded.Drain(fp)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), msgs[0].Plaintext)
	assert.Equal(t, uint16(2), msgs[0].StreamID)
}
