package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatdni/core/clock"
	"github.com/chatdni/core/fingerprint"
)

const (
	// advertiseInterval is how often an LANBackend re-broadcasts its own presence.
	advertiseInterval = 30 * time.Second

	lanMulticastAddr = "239.255.77.88:54545"
)

// lanWireMinLen is fingerprint(16) + static_pub(32) + port(2) + name_len(1).
const lanWireMinLen = fingerprint.Length + 32 + 2 + 1

// LANBackend discovers peers on the local network by periodic UDP
// multicast broadcast of an advertisement carrying the fields the spec
// assigns to the `_dni-im._udp.local.` service's TXT record: fingerprint,
// static public key, display name, and port. There is no real mDNS
// responder here (see DESIGN.md); the wire record and refresh/prune
// cadence match the spec, carried over a raw multicast socket instead of
// an mDNS library.
type LANBackend struct {
	self      PeerObservation
	conn      *net.UDPConn
	multicast *net.UDPAddr
	observed  chan<- PeerObservation
	clock     clock.Provider
	log       *logrus.Entry
	cancel    func()
	done      chan struct{}
}

// NewLANBackend binds a multicast UDP socket and begins advertising self.
// Every advertisement received from another peer is sent to out as a live
// observation; the backend does not prune stale peers itself (Fabric does).
func NewLANBackend(self PeerObservation, out chan<- PeerObservation, clk clock.Provider) (*LANBackend, error) {
	addr, err := net.ResolveUDPAddr("udp4", lanMulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast address: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("join multicast group: %w", err)
	}

	b := &LANBackend{
		self:      self,
		conn:      conn,
		multicast: addr,
		observed:  out,
		clock:     clk,
		log:       logrus.WithField("component", "discovery.lan"),
	}

	stop := make(chan struct{})
	b.done = stop
	b.cancel = func() { close(stop) }

	go b.advertiseLoop(stop)
	go b.listenLoop(stop)

	return b, nil
}

// Close stops advertising and listening.
func (b *LANBackend) Close() error {
	b.cancel()
	return b.conn.Close()
}

func (b *LANBackend) advertiseLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(advertiseInterval)
	defer ticker.Stop()

	b.advertise()
	for {
		select {
		case <-ticker.C:
			b.advertise()
		case <-stop:
			return
		}
	}
}

func (b *LANBackend) advertise() {
	wire := encodeLANAdvertisement(b.self)
	if _, err := b.conn.WriteToUDP(wire, b.multicast); err != nil {
		b.log.WithError(err).Debug("advertisement send failed")
	}
}

func (b *LANBackend) listenLoop(stop <-chan struct{}) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return
		default:
		}

		_ = b.conn.SetReadDeadline(b.clock.Now().Add(time.Second))
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		obs, err := decodeLANAdvertisement(buf[:n], addr)
		if err != nil {
			b.log.WithError(err).Debug("dropping malformed advertisement")
			continue
		}
		if obs.Fingerprint == b.self.Fingerprint {
			continue
		}

		obs.ObservedAt = b.clock.Now()
		obs.Source = LAN
		b.observed <- obs
	}
}

func encodeLANAdvertisement(p PeerObservation) []byte {
	name := []byte(p.DisplayName)
	if len(name) > 255 {
		name = name[:255]
	}

	out := make([]byte, lanWireMinLen+len(name))
	copy(out[0:fingerprint.Length], p.Fingerprint)
	off := fingerprint.Length
	copy(out[off:off+32], p.StaticPub[:])
	off += 32

	port := uint16(0)
	if udpAddr, ok := p.Address.(*net.UDPAddr); ok {
		port = uint16(udpAddr.Port)
	}
	binary.BigEndian.PutUint16(out[off:off+2], port)
	off += 2

	out[off] = byte(len(name))
	off++
	copy(out[off:], name)

	return out
}

func decodeLANAdvertisement(wire []byte, from *net.UDPAddr) (PeerObservation, error) {
	if len(wire) < lanWireMinLen {
		return PeerObservation{}, fmt.Errorf("advertisement too short: %d bytes", len(wire))
	}

	fp, err := fingerprint.Parse(string(wire[0:fingerprint.Length]))
	if err != nil {
		return PeerObservation{}, err
	}
	off := fingerprint.Length

	var staticPub [32]byte
	copy(staticPub[:], wire[off:off+32])
	off += 32

	port := binary.BigEndian.Uint16(wire[off : off+2])
	off += 2

	nameLen := int(wire[off])
	off++
	if len(wire) < off+nameLen {
		return PeerObservation{}, fmt.Errorf("advertisement truncated name")
	}
	name := string(wire[off : off+nameLen])

	addr := &net.UDPAddr{IP: from.IP, Port: int(port)}

	return PeerObservation{
		Fingerprint: fp,
		StaticPub:   staticPub,
		DisplayName: name,
		Address:     addr,
	}, nil
}
