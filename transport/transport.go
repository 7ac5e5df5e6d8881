// Package transport implements the Network Transport: a single UDP socket
// that receives datagrams and dispatches their raw bytes to a handler, and
// sends pre-framed packet bytes to a peer address.
//
// Transport does not parse packets or own sessions; it is a thin, testable
// boundary around net.PacketConn that the Session Manager drives. Packet
// framing is the packet package's job; connection-id lookup and handshake
// dispatch are the Session Manager's.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxPayloadBytes is the MTU ceiling: application payloads exceeding this
// size after encryption are rejected with ErrMessageTooLarge. No
// fragmentation is performed; IP-layer fragmentation is relied upon for
// datagrams under this ceiling.
const MaxPayloadBytes = 60 * 1024

// ErrMessageTooLarge is returned by Send when wire exceeds MaxPayloadBytes.
var ErrMessageTooLarge = errors.New("transport: message exceeds 60KB limit")

// recvBufferBytes sizes the read buffer comfortably above MaxPayloadBytes
// so a maximal packet is never truncated by ReadFrom.
const recvBufferBytes = MaxPayloadBytes + 4096

// Handler processes one inbound datagram's raw bytes and source address.
// It is invoked synchronously from the receive loop's goroutine per
// datagram; handlers that block delay subsequent reads, so the Session
// Manager dispatches expensive work onward via channels rather than
// processing in place.
type Handler func(wire []byte, addr net.Addr)

// UDPTransport is a single bound UDP socket with one receive loop.
type UDPTransport struct {
	conn net.PacketConn

	mu      sync.RWMutex
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	log *logrus.Entry
}

// Listen binds a UDP socket at listenAddr (e.g. ":6666") and starts the
// receive loop. Datagrams arriving before SetHandler is called are dropped.
func Listen(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    logrus.WithField("component", "transport"),
	}

	go t.receiveLoop()

	t.log.WithField("local_addr", conn.LocalAddr()).Info("transport listening")
	return t, nil
}

// SetHandler installs the callback invoked for every inbound datagram. It
// may be called at any time, including before the first datagram arrives.
func (t *UDPTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send transmits wire to addr in a single sendto. It fails with
// ErrMessageTooLarge if wire exceeds MaxPayloadBytes.
func (t *UDPTransport) Send(addr net.Addr, wire []byte) error {
	if len(wire) > MaxPayloadBytes {
		return ErrMessageTooLarge
	}
	_, err := t.conn.WriteTo(wire, addr)
	return err
}

// LocalAddr returns the address the socket is bound to.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close stops the receive loop and closes the socket. It blocks until the
// receive loop has exited.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

func (t *UDPTransport) receiveLoop() {
	defer close(t.done)
	buf := make([]byte, recvBufferBytes)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.WithError(err).Warn("read failed, dropping")
			continue
		}

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h == nil {
			continue
		}

		wire := make([]byte, n)
		copy(wire, buf[:n])
		h(wire, addr)
	}
}
