package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdni/core/fingerprint"
)

// fakeClock lets tests control elapsed time deterministically.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                  { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration { return f.now.Sub(t) }

func mustFP(t *testing.T, s string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Parse(s)
	require.NoError(t, err)
	return fp
}

func recvWithTimeout(t *testing.T, ch <-chan PeerObservation) PeerObservation {
	t.Helper()
	select {
	case obs := <-ch:
		return obs
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observation")
		return PeerObservation{}
	}
}

func TestFabricLANSuppressesRelayWithinWindow(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	f := NewFabric(clk)
	defer f.Close()

	fp := mustFP(t, "0123456789abcdef")

	f.Ingest() <- PeerObservation{Fingerprint: fp, Source: LAN, ObservedAt: clk.now, Address: &net.UDPAddr{Port: 1}}
	lanObs := recvWithTimeout(t, f.Observations())
	assert.Equal(t, LAN, lanObs.Source)

	clk.now = clk.now.Add(10 * time.Second)
	f.Ingest() <- PeerObservation{Fingerprint: fp, Source: Relay, ObservedAt: clk.now, Address: &net.UDPAddr{Port: 2}}

	select {
	case obs := <-f.Observations():
		t.Fatalf("expected relay observation to be suppressed, got %+v", obs)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestFabricRelayAllowedAfterSuppressionWindow(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	f := NewFabric(clk)
	defer f.Close()

	fp := mustFP(t, "0123456789abcdef")

	f.Ingest() <- PeerObservation{Fingerprint: fp, Source: LAN, ObservedAt: clk.now, Address: &net.UDPAddr{Port: 1}}
	recvWithTimeout(t, f.Observations())

	clk.now = clk.now.Add(31 * time.Second)
	f.Ingest() <- PeerObservation{Fingerprint: fp, Source: Relay, ObservedAt: clk.now, Address: &net.UDPAddr{Port: 2}}
	relayObs := recvWithTimeout(t, f.Observations())
	assert.Equal(t, Relay, relayObs.Source)
}

func TestFabricManualSuppressesBoth(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	f := NewFabric(clk)
	defer f.Close()

	fp := mustFP(t, "0123456789abcdef")

	f.Manual(PeerObservation{Fingerprint: fp, Address: &net.UDPAddr{Port: 1}})
	manualObs := recvWithTimeout(t, f.Observations())
	assert.Equal(t, Manual, manualObs.Source)

	f.Ingest() <- PeerObservation{Fingerprint: fp, Source: LAN, ObservedAt: clk.now, Address: &net.UDPAddr{Port: 2}}

	select {
	case obs := <-f.Observations():
		t.Fatalf("expected LAN observation to be suppressed by manual entry, got %+v", obs)
	case <-time.After(150 * time.Millisecond):
	}
}
