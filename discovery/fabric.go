package discovery

import (
	"sync"
	"time"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/fingerprint"
)

// lanSuppressesRelay is how long a LAN sighting of a fingerprint suppresses
// relay observations for the same fingerprint (LAN is cheaper/lower latency).
const lanSuppressesRelay = 30 * time.Second

// lanStaleAfter is how long without a refresh before a LAN-sourced entry
// is considered gone.
const lanStaleAfter = 90 * time.Second

type tracked struct {
	obs        PeerObservation
	lastLAN    time.Time
	lastManual bool
}

// Fabric merges the LAN and relay backends' observation streams into a
// single stream, applying the suppression policy: a
// fingerprint seen via LAN suppresses its relay entry for
// lanSuppressesRelay; a manual entry suppresses both permanently (until
// the manual entry itself is superseded). Every observation that is not
// suppressed is forwarded, including repeat sightings of a fingerprint.
type Fabric struct {
	in    chan PeerObservation
	out   chan PeerObservation
	clock clock.Provider

	mu    sync.Mutex
	state map[fingerprint.Fingerprint]*tracked

	cancel func()
}

// NewFabric creates a Fabric. Callers feed backend observations via Ingest
// and consume the merged stream via Observations.
func NewFabric(clk clock.Provider) *Fabric {
	f := &Fabric{
		in:    make(chan PeerObservation, 64),
		out:   make(chan PeerObservation, 64),
		clock: clk,
		state: make(map[fingerprint.Fingerprint]*tracked),
	}

	stop := make(chan struct{})
	f.cancel = func() { close(stop) }
	go f.mergeLoop(stop)
	go f.pruneLoop(stop)

	return f
}

// Ingest returns the channel backends should publish PeerObservation values to.
func (f *Fabric) Ingest() chan<- PeerObservation {
	return f.in
}

// Observations returns the merged observation stream.
func (f *Fabric) Observations() <-chan PeerObservation {
	return f.out
}

// Manual injects an operator-supplied peer endpoint, which suppresses both
// LAN and relay observations of the same fingerprint.
func (f *Fabric) Manual(obs PeerObservation) {
	obs.Source = Manual
	obs.ObservedAt = f.clock.Now()
	f.in <- obs
}

// Close stops the merge and prune loops.
func (f *Fabric) Close() {
	f.cancel()
}

func (f *Fabric) mergeLoop(stop <-chan struct{}) {
	for {
		select {
		case obs := <-f.in:
			f.applyAndEmit(obs)
		case <-stop:
			return
		}
	}
}

func (f *Fabric) applyAndEmit(obs PeerObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, exists := f.state[obs.Fingerprint]
	if !exists {
		t = &tracked{}
		f.state[obs.Fingerprint] = t
	}

	switch obs.Source {
	case Manual:
		t.obs = obs
		t.lastManual = true
	case LAN:
		if t.lastManual {
			return
		}
		t.obs = obs
		t.lastLAN = obs.ObservedAt
	case Relay:
		if t.lastManual {
			return
		}
		if !t.lastLAN.IsZero() && obs.ObservedAt.Sub(t.lastLAN) < lanSuppressesRelay {
			return
		}
		t.obs = obs
	}

	f.out <- t.obs
}

func (f *Fabric) pruneLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(lanStaleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.pruneStale()
		case <-stop:
			return
		}
	}
}

// pruneStale evicts LAN entries that haven't refreshed within
// lanStaleAfter and emits a zero-ObservedAt sentinel observation for each,
// which the Session Manager turns into a PeerLost event. The emission
// happens after the state lock is released so a full f.out never blocks
// mergeLoop's own applyAndEmit calls.
func (f *Fabric) pruneStale() {
	f.mu.Lock()
	var lost []fingerprint.Fingerprint
	now := f.clock.Now()
	for fp, t := range f.state {
		if t.lastManual {
			continue
		}
		if t.obs.Source == LAN && now.Sub(t.lastLAN) > lanStaleAfter {
			lost = append(lost, fp)
			delete(f.state, fp)
		}
	}
	f.mu.Unlock()

	for _, fp := range lost {
		f.out <- PeerObservation{Fingerprint: fp, Source: LAN}
	}
}
