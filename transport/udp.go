package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// UDPTransport is a connectionless Transport implementation backed by a UDP
// socket. It runs a background read loop that parses incoming datagrams and
// dispatches them to whatever handler is registered for their packet type.
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewUDPTransport binds a UDP socket at listenAddr and starts its packet
// processing loop in the background. The returned Transport is ready to
// send and receive immediately.
func NewUDPTransport(listenAddr string) (Transport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
	}

	go transport.processPackets()

	return transport, nil
}

// RegisterHandler associates handler with packetType. Safe for concurrent use.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// Send serializes packet and writes it to addr.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close stops the read loop and closes the underlying socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}

// processPackets reads datagrams until the transport is closed, dispatching
// each to its registered handler in its own goroutine. Reads use a short
// deadline so the loop notices context cancellation promptly rather than
// blocking indefinitely on an idle socket.
func (t *UDPTransport) processPackets() {
	buffer := make([]byte, 2048)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := t.conn.ReadFrom(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				continue
			}

			packet, err := ParsePacket(buffer[:n])
			if err != nil {
				continue
			}

			t.mu.RLock()
			handler, exists := t.handlers[packet.PacketType]
			t.mu.RUnlock()

			if exists {
				go handler(packet, addr)
			}
		}
	}
}

// LocalAddr returns the address the UDP socket is bound to.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}
