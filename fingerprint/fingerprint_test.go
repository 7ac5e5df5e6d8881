package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseValid(t *testing.T) {
	fp, err := Parse("0123456789abcdef")
	assert.NoError(t, err)
	assert.Equal(t, Fingerprint("0123456789abcdef"), fp)
	assert.True(t, fp.Valid())
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, err := Parse("0123456789abcd")
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
}

func TestParseRejectsNonHex(t *testing.T) {
	_, err := Parse("ghijklmnopqrstuv")
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
}

func TestParseRejectsUppercase(t *testing.T) {
	_, err := Parse("0123456789ABCDEF")
	assert.ErrorIs(t, err, ErrInvalidFingerprint)
}

func TestShortTruncatesToEightChars(t *testing.T) {
	fp := Fingerprint("0123456789abcdef")
	assert.Equal(t, "01234567", fp.Short())
}
