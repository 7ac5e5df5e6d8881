package contact

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/fingerprint"
)

func TestPinCreatesThenDetectsUnchangedAndViolation(t *testing.T) {
	dir := t.TempDir()
	b, err := Load(filepath.Join(dir, "contacts.json"), clock.Default)
	require.NoError(t, err)

	fp, err := fingerprint.Parse("0123456789abcdef")
	require.NoError(t, err)
	key := [32]byte{1, 2, 3}

	result, err := b.Pin(fp, key, "alice")
	require.NoError(t, err)
	assert.Equal(t, Created, result)

	result, err = b.Pin(fp, key, "alice")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, result)

	otherKey := [32]byte{9, 9, 9}
	result, err = b.Pin(fp, otherKey, "alice")
	require.NoError(t, err)
	assert.Equal(t, Violation, result)
}

func TestPinPersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.json")

	b, err := Load(path, clock.Default)
	require.NoError(t, err)
	fp, err := fingerprint.Parse("0123456789abcdef")
	require.NoError(t, err)
	key := [32]byte{1, 2, 3}

	_, err = b.Pin(fp, key, "alice")
	require.NoError(t, err)

	reloaded, err := Load(path, clock.Default)
	require.NoError(t, err)
	c, ok := reloaded.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, "alice", c.DisplayName)
	assert.Equal(t, key, c.PinnedStaticPub)
}

func TestRenameUpdatesDisplayName(t *testing.T) {
	dir := t.TempDir()
	b, err := Load(filepath.Join(dir, "contacts.json"), clock.Default)
	require.NoError(t, err)
	fp, err := fingerprint.Parse("0123456789abcdef")
	require.NoError(t, err)

	_, err = b.Pin(fp, [32]byte{1}, "alice")
	require.NoError(t, err)
	require.NoError(t, b.Rename(fp, "alice2"))

	c, ok := b.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, "alice2", c.DisplayName)
}
