package ice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestPortReserverReservesEveryConfiguredAddress(t *testing.T) {
	r := NewPortReserver(nil)
	defer r.Close()

	base := freeUDPPort(t)
	r.SetAddresses([]net.IP{net.IPv4(127, 0, 0, 1)})
	r.SetPortRange(base, 4)

	assert.True(t, r.ReservedAll())
}

func TestBorrowSocketsReturnsOnePerAddressPerPort(t *testing.T) {
	r := NewPortReserver(nil)
	defer r.Close()

	base := freeUDPPort(t)
	r.SetAddresses([]net.IP{net.IPv4(127, 0, 0, 1)})
	r.SetPortRange(base, 2)
	require.True(t, r.ReservedAll())

	socks := r.BorrowSockets(2)
	require.Len(t, socks, 2)

	ports := map[int]bool{}
	for _, s := range socks {
		ports[s.LocalAddr().(*net.UDPAddr).Port] = true
	}
	assert.Len(t, ports, 2)

	r.ReturnSockets(socks)
}

func TestBorrowedSocketDrainsUnsolicitedDataWhileReserved(t *testing.T) {
	r := NewPortReserver(nil)
	defer r.Close()

	base := freeUDPPort(t)
	r.SetAddresses([]net.IP{net.IPv4(127, 0, 0, 1)})
	r.SetPortRange(base, 1)
	require.True(t, r.ReservedAll())

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.WriteTo([]byte("hello"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: base})
	require.NoError(t, err)

	// give the drain loop a moment to consume it, then confirm borrowing
	// the socket afterward sees no stale datagram.
	time.Sleep(50 * time.Millisecond)

	socks := r.BorrowSockets(1)
	require.Len(t, socks, 1)

	require.NoError(t, socks[0].SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 16)
	_, _, err = socks[0].ReadFromUDP(buf)
	assert.Error(t, err) // nothing pending: the drain loop already ate it

	r.ReturnSockets(socks)
}

func TestBorrowSocketsSplitsWhenNoConsecutiveRunExists(t *testing.T) {
	r := NewPortReserver(nil)
	defer r.Close()

	base := freeUDPPort(t)
	r.SetAddresses([]net.IP{net.IPv4(127, 0, 0, 1)})
	r.SetPortRange(base, 4)
	require.True(t, r.ReservedAll())

	// lend port 0 and port 2, leaving ports 1 and 3 free but not adjacent
	// to each other, forcing a request for 2 to split into two size-1 runs.
	first := r.lendItem(r.items[0])
	third := r.lendItem(r.items[2])
	require.Len(t, first, 1)
	require.Len(t, third, 1)

	rest := r.BorrowSockets(2)
	require.Len(t, rest, 2)

	r.ReturnSockets(first)
	r.ReturnSockets(third)
	r.ReturnSockets(rest)
}
