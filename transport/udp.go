package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxDatagramSize is the largest UDP payload the receive loop accepts.
const maxDatagramSize = 64 * 1024

// UDPTransport implements UDP-based communication for supernet.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn     net.PacketConn
	handlers map[PacketType]PacketHandler
	foreign  RawHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewUDPTransport creates a new UDP transport listener and starts its
// receive loop.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrIOFailure, listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	transport := &UDPTransport{
		conn:     conn,
		handlers: make(map[PacketType]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("Starting UDP transport")

	go transport.processPackets()

	return transport, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	if _, err := t.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("%w: send to %s: %v", ErrIOFailure, addr, err)
	}
	return nil
}

// SendRaw writes a datagram that does not carry a supernet header, such as
// a STUN binding request.
func (t *UDPTransport) SendRaw(data []byte, addr net.Addr) error {
	if _, err := t.conn.WriteTo(data, addr); err != nil {
		return fmt.Errorf("%w: send to %s: %v", ErrIOFailure, addr, err)
	}
	return nil
}

// SetForeignHandler installs a handler for datagrams whose header magic
// does not match. Passing nil removes it.
func (t *UDPTransport) SetForeignHandler(handler RawHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.foreign = handler
}

// Close shuts down the transport and waits for the receive loop to exit.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	<-t.done
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// processPackets handles incoming packets.
func (t *UDPTransport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, maxDatagramSize)

	for {
		select {
		case <-t.ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "processPackets",
			}).Info("Exiting UDP receive loop")
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and processes a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	data, addr, err := t.readPacketData(buffer)
	if err != nil {
		return
	}

	packet, err := ParsePacket(data)
	if errors.Is(err, ErrForeignPacket) && t.dispatchForeign(data, addr) {
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Trace("Dropping datagram")
		return
	}

	t.dispatchPacketToHandler(packet, addr)
}

// readPacketData reads data from the connection with timeout handling.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	// Short deadline so the loop notices cancellation.
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, t.handleReadError(err)
	}

	return buffer[:n], addr, nil
}

// handleReadError logs read errors other than deadline expiry.
func (t *UDPTransport) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	if t.ctx.Err() != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"error":    err.Error(),
	}).Warn("UDP read failed")
	return err
}

// dispatchPacketToHandler runs the handler registered for the packet type.
// Handlers run on the receive goroutine so packets from the socket are
// applied in arrival order.
func (t *UDPTransport) dispatchPacketToHandler(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, exists := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatchPacketToHandler",
			"packet_type": packet.PacketType.String(),
			"from":        addr.String(),
		}).Trace("No handler registered")
		return
	}

	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatchPacketToHandler",
			"packet_type": packet.PacketType.String(),
			"from":        addr.String(),
			"error":       err.Error(),
		}).Trace("Packet handler failed")
	}
}

// dispatchForeign hands a foreign datagram to the foreign handler. It
// reports whether a handler consumed it.
func (t *UDPTransport) dispatchForeign(data []byte, addr net.Addr) bool {
	t.mu.RLock()
	handler := t.foreign
	t.mu.RUnlock()

	if handler == nil {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	handler(buf, addr)
	return true
}
