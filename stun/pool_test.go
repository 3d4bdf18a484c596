package stun

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopbackUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRoundTripDeliversSuccessResponse(t *testing.T) {
	clientConn := listenLoopbackUDP(t)
	serverConn := listenLoopbackUDP(t)

	pool := NewPool(clientConn, nil)
	defer pool.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		buf := make([]byte, 1500)
		n, addr, err := serverConn.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := Decode(buf[:n], DecodeOptions{})
		if err != nil {
			return
		}
		resp := &Message{Class: ClassSuccessResponse, Method: req.Method, TransactionID: req.TransactionID}
		resp.SetXorMappedAddress(net.IPv4(127, 0, 0, 1), 4242)
		raw, err := Encode(resp, EncodeOptions{Fingerprint: true})
		if err != nil {
			return
		}
		_, _ = serverConn.WriteTo(raw, addr)
	}()

	go func() {
		buf := make([]byte, 1500)
		n, _, err := clientConn.ReadFrom(buf)
		if err != nil {
			return
		}
		m, err := rawDecode(buf[:n])
		if err != nil {
			return
		}
		pool.HandleInbound(m)
	}()

	req, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)

	resp, err := pool.RoundTrip(req, serverConn.LocalAddr(), RoundTripOptions{
		EncodeOptions: EncodeOptions{Fingerprint: true},
	})
	require.NoError(t, err)
	ip, port, err := resp.GetXorMappedAddress()
	require.NoError(t, err)
	assert.True(t, net.IPv4(127, 0, 0, 1).Equal(ip))
	assert.Equal(t, 4242, port)

	<-serverDone
}

func TestRoundTripTimesOutWithNoResponder(t *testing.T) {
	clientConn := listenLoopbackUDP(t)
	unreachable := listenLoopbackUDP(t)
	dest := unreachable.LocalAddr()
	require.NoError(t, unreachable.Close())

	pool := NewPool(clientConn, nil)
	defer pool.Close()

	req, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.RoundTrip(req, dest, RoundTripOptions{
		RTO:         10 * time.Millisecond,
		Retransmits: 2,
	})
	require.Error(t, err)
	var timeoutErr *TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandleInboundIgnoresUnmatchedTransaction(t *testing.T) {
	clientConn := listenLoopbackUDP(t)
	pool := NewPool(clientConn, nil)
	defer pool.Close()

	m, err := NewMessage(ClassSuccessResponse, MethodBinding)
	require.NoError(t, err)
	assert.False(t, pool.HandleInbound(m))
}

func TestHandleInboundIgnoresNonResponseClasses(t *testing.T) {
	clientConn := listenLoopbackUDP(t)
	pool := NewPool(clientConn, nil)
	defer pool.Close()

	m, err := NewMessage(ClassIndication, MethodSend)
	require.NoError(t, err)
	assert.False(t, pool.HandleInbound(m))
}
