// Command dnimsgd is the composition root for the messenger core: it reads
// configuration, authenticates the local identity, wires the transport,
// discovery fabric, and Session Manager together, and logs the resulting
// event stream until interrupted.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2s"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/config"
	"github.com/chatdni/core/contact"
	"github.com/chatdni/core/crypto"
	"github.com/chatdni/core/discovery"
	"github.com/chatdni/core/events"
	"github.com/chatdni/core/fingerprint"
	"github.com/chatdni/core/identity"
	"github.com/chatdni/core/queue"
	"github.com/chatdni/core/session"
	"github.com/chatdni/core/transport"
)

func main() {
	os.Exit(run())
}

// run executes the daemon and returns a process exit code, so deferred
// cleanup always runs before the process exits.
func run() int {
	cfg := config.Default()

	port := flag.Uint("port", uint(cfg.UDPPort), "local UDP bind port")
	dataDir := flag.String("data-dir", cfg.DataDir, "directory for identity, contacts, and queue state")
	displayName := flag.String("name", "", "display name advertised to peers")
	lan := flag.Bool("lan", cfg.UseLANDiscovery, "enable LAN multicast discovery")
	relayAddr := flag.String("relay", "", "untrusted UDP relay host, contacted on the relay port (default 7777); empty disables relay discovery")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	addPeer := flag.String("add-peer", "", "manually add a peer: fingerprint,host:port,base64(static_pub)")
	forgetPeer := flag.String("forget-peer", "", "forget a previously discovered peer's fingerprint at startup")
	peerListInterval := flag.Duration("peer-list-interval", 5*time.Minute, "how often to log the list_peers snapshot (0 disables)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		return 1
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "main")

	cfg.UDPPort = uint16(*port)
	cfg.DataDir = *dataDir
	cfg.DisplayName = *displayName
	cfg.UseLANDiscovery = *lan
	cfg.RelayAddress = *relayAddr

	auth := identity.NewFileProvider(filepath.Join(cfg.DataDir, "identity.json"), cfg.DisplayName, generateIdentity)
	self, err := auth.Authenticate()
	if err != nil {
		log.WithError(err).Error("identity authentication failed")
		return 1
	}
	log.WithField("fingerprint", self.Fingerprint.Short()).Info("identity loaded")

	xport, err := transport.Listen(fmt.Sprintf(":%d", cfg.UDPPort))
	if err != nil {
		log.WithError(err).Error("failed to bind transport")
		return 2
	}
	defer xport.Close()

	books, err := contact.Load(filepath.Join(cfg.DataDir, "contacts.json"), clock.Default)
	if err != nil {
		log.WithError(err).Error("failed to load contact book")
		return 3
	}
	q, err := queue.Load(filepath.Join(cfg.DataDir, "queue.json"), clock.Default)
	if err != nil {
		log.WithError(err).Error("failed to load message queue")
		return 3
	}

	mgr := session.New(self.StaticPrivateKey, self.Fingerprint, xport, books, q, clock.Default)
	xport.SetHandler(mgr.HandleInbound)

	staticKP, err := crypto.FromSecretKey(self.StaticPrivateKey)
	if err != nil {
		log.WithError(err).Error("failed to derive static key pair")
		return 1
	}

	fabric := discovery.NewFabric(clock.Default)
	defer fabric.Close()

	selfObs := discovery.PeerObservation{
		Fingerprint: self.Fingerprint,
		StaticPub:   staticKP.Public,
		DisplayName: self.DisplayName,
		Address:     xport.LocalAddr(),
	}

	if cfg.UseLANDiscovery {
		lanBackend, err := discovery.NewLANBackend(selfObs, fabric.Ingest(), clock.Default)
		if err != nil {
			log.WithError(err).Warn("LAN discovery disabled: failed to start")
		} else {
			defer lanBackend.Close()
		}
	}

	if cfg.RelayAddress != "" {
		relayBackend, err := discovery.NewRelayBackend(fmt.Sprintf("%s:%d", cfg.RelayAddress, cfg.RelayPort), selfObs, fabric.Ingest(), clock.Default)
		if err != nil {
			log.WithError(err).Warn("relay discovery disabled: failed to start")
		} else {
			defer relayBackend.Close()
			relayBackend.SetInboundHandler(mgr.HandleRelayedInbound)
			mgr.SetRelay(relayBackend)
		}
	}

	if *addPeer != "" {
		fp, addr, staticPub, err := parseManualPeer(*addPeer)
		if err != nil {
			log.WithError(err).Error("invalid -add-peer, ignoring")
		} else {
			mgr.AddPeerManual(fp, addr, staticPub)
		}
	}

	if *forgetPeer != "" {
		fp, err := fingerprint.Parse(*forgetPeer)
		if err != nil {
			log.WithError(err).Error("invalid -forget-peer, ignoring")
		} else {
			mgr.DeletePeer(fp)
		}
	}

	done := make(chan struct{})
	go mgr.ForwardObservations(fabric.Observations(), done)
	go mgr.Run()
	defer close(done)
	defer mgr.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	var peerListTick <-chan time.Time
	if *peerListInterval > 0 {
		ticker := time.NewTicker(*peerListInterval)
		defer ticker.Stop()
		peerListTick = ticker.C
	}

	log.WithFields(logrus.Fields{
		"port": cfg.UDPPort,
		"lan":  cfg.UseLANDiscovery,
	}).Info("dnimsgd started")

	for {
		select {
		case ev := <-mgr.Events():
			logEvent(log, ev)
		case <-peerListTick:
			logPeerList(log, mgr.ListPeers())
		case <-sigCh:
			log.Info("received interrupt, shutting down")
			return 0
		}
	}
}

// logPeerList implements the observable side of list_peers: a periodic
// snapshot of every peer the Session Manager currently has a route to.
func logPeerList(log *logrus.Entry, peers []session.PeerInfo) {
	for _, p := range peers {
		log.WithFields(logrus.Fields{
			"fingerprint": p.Fingerprint.Short(),
			"name":        p.DisplayName,
			"established": p.Established,
		}).Info("known peer")
	}
}

// parseManualPeer parses the -add-peer flag's
// "fingerprint,host:port,base64(static_pub)" format into add_peer_manual's
// arguments.
func parseManualPeer(s string) (fingerprint.Fingerprint, *net.UDPAddr, [32]byte, error) {
	parts := strings.SplitN(s, ",", 3)
	if len(parts) != 3 {
		return "", nil, [32]byte{}, fmt.Errorf("expected fingerprint,host:port,base64(static_pub), got %q", s)
	}

	fp, err := fingerprint.Parse(parts[0])
	if err != nil {
		return "", nil, [32]byte{}, fmt.Errorf("parse fingerprint: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", parts[1])
	if err != nil {
		return "", nil, [32]byte{}, fmt.Errorf("resolve address: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, [32]byte{}, fmt.Errorf("decode static public key: %w", err)
	}
	if len(raw) != 32 {
		return "", nil, [32]byte{}, fmt.Errorf("static public key must be 32 bytes, got %d", len(raw))
	}

	var staticPub [32]byte
	copy(staticPub[:], raw)
	return fp, addr, staticPub, nil
}

func logEvent(log *logrus.Entry, ev events.Event) {
	switch ev.Kind {
	case events.KindPeerDiscovered:
		log.WithFields(logrus.Fields{
			"fingerprint": ev.PeerDiscovered.Fingerprint.Short(),
			"source":      ev.PeerDiscovered.Source.String(),
		}).Info("peer discovered")
	case events.KindPeerLost:
		log.WithField("fingerprint", ev.PeerLost.Fingerprint.Short()).Info("peer lost")
	case events.KindSessionEstablished:
		log.WithField("fingerprint", ev.SessionEstablished.Fingerprint.Short()).Info("session established")
	case events.KindSessionClosed:
		log.WithFields(logrus.Fields{
			"fingerprint": ev.SessionClosed.Fingerprint.Short(),
			"reason":      ev.SessionClosed.Reason,
		}).Info("session closed")
	case events.KindMessageReceived:
		log.WithFields(logrus.Fields{
			"fingerprint": ev.MessageReceived.Fingerprint.Short(),
			"stream_id":   ev.MessageReceived.StreamID,
			"bytes":       len(ev.MessageReceived.Plaintext),
		}).Info("message received")
	case events.KindPinningViolation:
		log.WithField("fingerprint", ev.PinningViolation.Fingerprint.Short()).Error("pinning violation: peer presented an unpinned static key")
	}
}

// generateIdentity mints a fresh static key pair and derives a fingerprint
// from it for first-run use. Production deployments are expected to supply
// an AuthProvider backed by a real identity service; this stands in for
// that service only in the FileProvider's single-user default.
func generateIdentity() (fingerprint.Fingerprint, [32]byte, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", [32]byte{}, err
	}

	sum := blake2s.Sum256(kp.Public[:])
	const hexDigits = "0123456789abcdef"
	out := make([]byte, fingerprint.Length)
	for i := 0; i < fingerprint.Length/2; i++ {
		out[i*2] = hexDigits[sum[i]>>4]
		out[i*2+1] = hexDigits[sum[i]&0x0f]
	}

	fp, err := fingerprint.Parse(string(out))
	if err != nil {
		return "", [32]byte{}, err
	}
	return fp, kp.Private, nil
}
