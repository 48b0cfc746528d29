package test

import (
	"net"
	"net/netip"
	"sync"

	"github.com/drio/wghandshake/conn"
)

// Compile-time interface compliance checks
var _ conn.UDPConn = (*MockUDPConn)(nil)

// MockUDPConn simulates a UDP connection using channels
type MockUDPConn struct {
	// Channel to receive packets that would come from the network
	inbound chan UDPPacket
	// Channel where packets written to this UDP connection go
	outbound chan UDPPacket
	// Local address simulation
	localAddr netip.AddrPort

	closed    chan struct{}
	closeOnce sync.Once
}

type UDPPacket struct {
	Data []byte
	Addr netip.AddrPort
}

// NewMockUDPConn creates a mock UDP connection
func NewMockUDPConn(localPort int) *MockUDPConn {
	return &MockUDPConn{
		inbound:   make(chan UDPPacket, 100),
		outbound:  make(chan UDPPacket, 100),
		localAddr: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(localPort)),
		closed:    make(chan struct{}),
	}
}

// LocalAddr returns the simulated local address
func (m *MockUDPConn) LocalAddr() netip.AddrPort {
	return m.localAddr
}

// ReadFromUDPAddrPort simulates reading from UDP - blocks until a packet
// arrives or the connection is closed
func (m *MockUDPConn) ReadFromUDPAddrPort(buf []byte) (int, netip.AddrPort, error) {
	select {
	case packet := <-m.inbound:
		n := copy(buf, packet.Data)
		return n, packet.Addr, nil
	case <-m.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

// WriteToUDPAddrPort simulates writing to UDP - puts packet in outbound channel
func (m *MockUDPConn) WriteToUDPAddrPort(data []byte, addr netip.AddrPort) (int, error) {
	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}

	// Make a copy to avoid memory issues
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	// Non-blocking send
	select {
	case m.outbound <- UDPPacket{Data: dataCopy, Addr: addr}:
	default:
		// Channel full - simulate dropped packet
	}
	return len(data), nil
}

// Close closes the mock connection. Reads and writes fail afterwards.
func (m *MockUDPConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// InjectPacket simulates a packet arriving from the network
func (m *MockUDPConn) InjectPacket(data []byte, fromAddr netip.AddrPort) {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case m.inbound <- UDPPacket{Data: dataCopy, Addr: fromAddr}:
		// Packet injected
	default:
		// Channel full - drop packet
	}
}

// ReadOutbound reads a packet that was written to this connection (non-blocking)
func (m *MockUDPConn) ReadOutbound() *UDPPacket {
	select {
	case packet := <-m.outbound:
		return &packet
	default:
		return nil
	}
}
