package conn

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"
)

// UDPConn interface for UDP connections - allows mocking for tests.
// *net.UDPConn satisfies it.
type UDPConn interface {
	ReadFromUDPAddrPort([]byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort([]byte, netip.AddrPort) (int, error)
	Close() error
}

var _ UDPConn = (*net.UDPConn)(nil)

// Listen creates and binds a UDP socket on the specified port
func Listen(listenPort int, logger *logrus.Entry) (UDPConn, error) {
	if listenPort < 0 || listenPort > 65535 {
		return nil, fmt.Errorf("conn: invalid listen port %d", listenPort)
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: listenPort})
	if err != nil {
		return nil, fmt.Errorf("conn: failed to bind UDP socket: %w", err)
	}

	if logger != nil {
		logger.WithField("addr", udp.LocalAddr().String()).Info("UDP socket listening")
	}
	return udp, nil
}
