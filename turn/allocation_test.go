package turn

import (
	"net"
	"testing"
	"time"

	"github.com/psi-plus/iceagent/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers Allocate/CreatePermission/ChannelBind requests with
// unconditional success, enough to exercise Allocation's client-side state
// machine without a real TURN server.
type fakeServer struct {
	conn      *net.UDPConn
	t         *testing.T
	relayedIP net.IP
	relayed   int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &fakeServer{conn: conn, t: t, relayedIP: net.IPv4(198, 51, 100, 7), relayed: 49200}
}

func (s *fakeServer) run() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := stun.Decode(buf[:n], stun.DecodeOptions{})
		if err != nil {
			continue
		}

		var resp *stun.Message
		switch req.Method {
		case stun.MethodAllocate:
			resp = &stun.Message{Class: stun.ClassSuccessResponse, Method: req.Method, TransactionID: req.TransactionID}
			resp.Add(stun.AttrLifetime, []byte{0, 0, 0x0E, 0x10}) // 3600s
			resp.SetXorRelayedAddress(s.relayedIP, s.relayed)
			resp.SetXorMappedAddress(net.IPv4(203, 0, 113, 4), 54321)
		case stun.MethodCreatePermission, stun.MethodChannelBind, stun.MethodRefresh:
			resp = &stun.Message{Class: stun.ClassSuccessResponse, Method: req.Method, TransactionID: req.TransactionID}
		default:
			continue
		}

		raw, err := stun.Encode(resp, stun.EncodeOptions{Fingerprint: true})
		if err != nil {
			continue
		}
		_, _ = s.conn.WriteTo(raw, addr)
	}
}

func newTestAllocation(t *testing.T) (*Allocation, *fakeServer) {
	t.Helper()
	server := newFakeServer(t)
	go server.run()

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.Close() })

	pool := stun.NewPool(clientConn, nil)
	t.Cleanup(pool.Close)

	alloc := NewAllocation(pool, server.conn.LocalAddr(), Credentials{}, Handlers{}, nil)

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := clientConn.ReadFrom(buf)
			if err != nil {
				return
			}
			m, err := stun.Decode(buf[:n], stun.DecodeOptions{})
			if err != nil {
				continue
			}
			pool.HandleInbound(m)
		}
	}()

	return alloc, server
}

func TestAllocateSucceedsAndSchedulesRefresh(t *testing.T) {
	alloc, server := newTestAllocation(t)

	err := alloc.Allocate()
	require.NoError(t, err)

	assert.Equal(t, StateStarted, alloc.state)
	assert.True(t, server.relayedIP.Equal(alloc.relayedIP))
	assert.Equal(t, server.relayed, alloc.relayedPort)
	assert.NotNil(t, alloc.refreshTimer)
}

func TestSetPermissionsActivatesAndFlushesQueuedWrite(t *testing.T) {
	alloc, _ := newTestAllocation(t)
	require.NoError(t, alloc.Allocate())

	peerIP := net.IPv4(192, 0, 2, 9)
	require.NoError(t, alloc.Write(peerIP, 5000, []byte("queued-before-permission")))

	require.Eventually(t, func() bool {
		return alloc.hasActivePermission(peerIP)
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		alloc.mu.Lock()
		defer alloc.mu.Unlock()
		return len(alloc.queued[peerIP.String()]) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAddChannelPeerRequiresExistingPermission(t *testing.T) {
	alloc, _ := newTestAllocation(t)
	require.NoError(t, alloc.Allocate())

	peerIP := net.IPv4(192, 0, 2, 9)
	alloc.AddChannelPeer(peerIP, 5000)

	// no permission exists yet, so no channel should have been requested
	_, ok := alloc.activeChannelFor(peerIP, 5000)
	assert.False(t, ok)
}

func TestAddChannelPeerBindsAfterPermission(t *testing.T) {
	alloc, _ := newTestAllocation(t)
	require.NoError(t, alloc.Allocate())

	peerIP := net.IPv4(192, 0, 2, 9)
	alloc.SetPermissions([]net.IP{peerIP})

	require.Eventually(t, func() bool {
		return alloc.hasActivePermission(peerIP)
	}, time.Second, 10*time.Millisecond)

	alloc.AddChannelPeer(peerIP, 5000)

	require.Eventually(t, func() bool {
		_, ok := alloc.activeChannelFor(peerIP, 5000)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestOverheadReflectsChannelVsSend(t *testing.T) {
	alloc, _ := newTestAllocation(t)
	require.NoError(t, alloc.Allocate())

	peerIP := net.IPv4(192, 0, 2, 9)
	assert.Equal(t, 40+3, alloc.Overhead(peerIP, 5000, false))

	alloc.SetPermissions([]net.IP{peerIP})
	require.Eventually(t, func() bool { return alloc.hasActivePermission(peerIP) }, time.Second, 10*time.Millisecond)
	alloc.AddChannelPeer(peerIP, 5000)
	require.Eventually(t, func() bool {
		_, ok := alloc.activeChannelFor(peerIP, 5000)
		return ok
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 4, alloc.Overhead(peerIP, 5000, false))
}
