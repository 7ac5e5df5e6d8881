package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdni/core/fingerprint"
)

func TestLANAdvertisementRoundTrip(t *testing.T) {
	fp, err := fingerprint.Parse("0123456789abcdef")
	require.NoError(t, err)

	obs := PeerObservation{
		Fingerprint: fp,
		StaticPub:   [32]byte{1, 2, 3, 4},
		DisplayName: "alice",
		Address:     &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 6666},
	}

	wire := encodeLANAdvertisement(obs)
	decoded, err := decodeLANAdvertisement(wire, &net.UDPAddr{IP: net.ParseIP("192.168.1.5")})
	require.NoError(t, err)

	assert.Equal(t, obs.Fingerprint, decoded.Fingerprint)
	assert.Equal(t, obs.StaticPub, decoded.StaticPub)
	assert.Equal(t, obs.DisplayName, decoded.DisplayName)
	assert.Equal(t, 6666, decoded.Address.(*net.UDPAddr).Port)
}

func TestDecodeLANAdvertisementRejectsShortBuffer(t *testing.T) {
	_, err := decodeLANAdvertisement([]byte{1, 2, 3}, &net.UDPAddr{})
	assert.Error(t, err)
}
