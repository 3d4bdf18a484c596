package ice

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// packetConn abstracts over the IPv4/IPv6 control-message sockets so
// LocalTransport does not need to branch on address family at every call
// site. Adapted from the teacher's endpoint wrapper; generalized to the
// ICE transport's needs (no control-message payload is inspected here,
// only the send/receive framing).
type packetConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	Close() error
	LocalAddr() *net.UDPAddr
	SetReadDeadline(t time.Time) error
}

type packetConnIPv4 struct {
	conn *ipv4.PacketConn
}

func newPacketConnIPv4(c net.PacketConn) *packetConnIPv4 {
	return &packetConnIPv4{conn: ipv4.NewPacketConn(c)}
}

func (c *packetConnIPv4) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, addr, err := c.conn.ReadFrom(b)
	return n, addr, errors.Wrap(err, "ice: read packet")
}

func (c *packetConnIPv4) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.conn.WriteTo(b, nil, addr)
	return n, errors.Wrap(err, "ice: write packet")
}

func (c *packetConnIPv4) Close() error { return c.conn.Close() }

func (c *packetConnIPv4) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *packetConnIPv4) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

type packetConnIPv6 struct {
	conn *ipv6.PacketConn
}

func newPacketConnIPv6(c net.PacketConn) *packetConnIPv6 {
	return &packetConnIPv6{conn: ipv6.NewPacketConn(c)}
}

func (c *packetConnIPv6) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, addr, err := c.conn.ReadFrom(b)
	return n, addr, errors.Wrap(err, "ice: read packet")
}

func (c *packetConnIPv6) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.conn.WriteTo(b, nil, addr)
	return n, errors.Wrap(err, "ice: write packet")
}

func (c *packetConnIPv6) Close() error { return c.conn.Close() }

func (c *packetConnIPv6) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *packetConnIPv6) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// newPacketConn picks the IPv4 or IPv6 control-message wrapper to match
// the bound socket's family.
func newPacketConn(c net.PacketConn) packetConn {
	if udp, ok := c.LocalAddr().(*net.UDPAddr); ok && udp.IP.To4() == nil {
		return newPacketConnIPv6(c)
	}
	return newPacketConnIPv4(c)
}
