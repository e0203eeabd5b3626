package netio

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const recvBufferBytes = 256 * 1024

// ProbeSocket is one interface's UDP socket for probe traffic. The
// socket is bound to its device, so several interfaces can share the
// probe port and each receiver only sees its own link's broadcasts.
type ProbeSocket struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

// OpenBroadcast opens a probe socket that sends to the limited
// broadcast address on the given interface.
func OpenBroadcast(iface Interface, port int) (*ProbeSocket, error) {
	conn, err := listenProbe(iface.Name, port)
	if err != nil {
		return nil, err
	}
	return &ProbeSocket{
		conn: conn,
		dst:  &net.UDPAddr{IP: net.IPv4bcast, Port: port},
	}, nil
}

// OpenMulticast opens a probe socket that sends to an IPv4 multicast
// group instead of the broadcast address, joining the group on the
// interface so its receiver hears the other nodes.
func OpenMulticast(iface Interface, port int, group net.IP) (*ProbeSocket, error) {
	conn, err := listenProbe(iface.Name, port)
	if err != nil {
		return nil, err
	}
	netIface := &net.Interface{Index: iface.Index, Name: iface.Name}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(netIface, &net.UDPAddr{IP: group}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join %s on %s: %w", group, iface.Name, err)
	}
	if err := pc.SetMulticastInterface(netIface); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set multicast interface %s: %w", iface.Name, err)
	}
	// Probes must never leave the link, and our own receiver drops
	// self-originated packets anyway.
	_ = pc.SetMulticastTTL(1)
	_ = pc.SetMulticastLoopback(false)
	return &ProbeSocket{
		conn: conn,
		dst:  &net.UDPAddr{IP: group, Port: port},
	}, nil
}

func listenProbe(ifaceName string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, raw syscall.RawConn) error {
			var sockErr error
			controlErr := raw.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = err
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					sockErr = err
					return
				}
				sockErr = unix.BindToDevice(int(fd), ifaceName)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on %s port %d: %w", ifaceName, port, err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("listen on %s: not a UDP connection", ifaceName)
	}
	_ = udpConn.SetReadBuffer(recvBufferBytes)
	return udpConn, nil
}

// Send broadcasts one encoded probe.
func (s *ProbeSocket) Send(data []byte) error {
	_, err := s.conn.WriteToUDP(data, s.dst)
	return err
}

// ReadFrom blocks for the next datagram. It returns once Close is
// called, with the connection's closed error.
func (s *ProbeSocket) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	return s.conn.ReadFromUDP(buf)
}

// Close unblocks any pending read and releases the socket.
func (s *ProbeSocket) Close() error {
	return s.conn.Close()
}
