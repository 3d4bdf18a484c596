package ice

import (
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/psi-plus/iceagent/stun"
	"github.com/psi-plus/iceagent/turn"
)

// LocalTransportEvents are the notifications a LocalTransport raises as it
// progresses through gathering (spec.md section 4.7's "on started",
// "server-reflexive-address-changed", "relayed-address-changed").
type LocalTransportEvents struct {
	OnStarted                   func()
	OnServerReflexiveAddrChange  func(ip net.IP, port int)
	OnRelayedAddrChange          func(ip net.IP, port int)
	// OnPeerData delivers a datagram that did not originate from the
	// STUN-bind or TURN server, on the given path (0=direct, 1=relayed).
	OnPeerData func(data []byte, from net.Addr, path int)
	// OnPeerSTUN delivers a STUN message whose source is neither the bind
	// server nor the TURN server — i.e. a connectivity check from a peer
	// (spec.md section 2's receive data-flow). raw is the undecoded wire
	// form, needed by the caller to verify MESSAGE-INTEGRITY against
	// whichever short-term password applies once the peer's ufrag is known.
	OnPeerSTUN func(m *stun.Message, raw []byte, from net.Addr)
}

// LocalTransport owns one UDP socket and the STUN-Binding / TURN-Client
// machinery layered on it, and demultiplexes inbound datagrams by source
// address (spec.md section 4.6, C6).
type LocalTransport struct {
	conn   net.PacketConn
	pconn  packetConn
	log    logging.LeveledLogger
	events LocalTransportEvents

	pool *stun.Pool

	mu         sync.Mutex
	bindServer net.Addr
	turnServer net.Addr
	turnClient *turn.Client
	closed     bool
}

// NewLocalTransport wraps conn, a UDP socket the caller has already bound
// (on an ephemeral port, or borrowed from a Port Reserver), starts its read
// loop and raises OnStarted before returning.
func NewLocalTransport(conn net.PacketConn, events LocalTransportEvents, loggerFactory logging.LoggerFactory) *LocalTransport {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	lt := &LocalTransport{
		conn:   conn,
		pconn:  newPacketConn(conn),
		log:    loggerFactory.NewLogger("ice"),
		events: events,
	}
	lt.pool = stun.NewPool(lt, loggerFactory)
	go lt.readLoop()
	if events.OnStarted != nil {
		events.OnStarted()
	}
	return lt
}

// WriteTo implements stun.Transport by delegating to the underlying
// packetConn.
func (lt *LocalTransport) WriteTo(b []byte, addr net.Addr) (int, error) {
	return lt.pconn.WriteTo(b, addr)
}

// Pool returns the shared STUN transaction pool backing Binding checks and
// (if configured) a UDP TURN client on this socket.
func (lt *LocalTransport) Pool() *stun.Pool { return lt.pool }

// LocalAddr returns the bound local address.
func (lt *LocalTransport) LocalAddr() *net.UDPAddr { return lt.pconn.LocalAddr() }

// EnableServerReflexive issues a STUN Binding to server and, on success,
// raises OnServerReflexiveAddrChange (spec.md section 4.7).
func (lt *LocalTransport) EnableServerReflexive(server net.Addr) {
	lt.mu.Lock()
	lt.bindServer = server
	lt.mu.Unlock()

	go func() {
		m, err := stun.NewMessage(stun.ClassRequest, stun.MethodBinding)
		if err != nil {
			return
		}
		resp, err := lt.pool.RoundTrip(m, server, stun.RoundTripOptions{
			EncodeOptions: stun.EncodeOptions{Fingerprint: true},
		})
		if err != nil || resp.Class != stun.ClassSuccessResponse {
			return
		}
		ip, port, err := resp.GetXorMappedAddress()
		if err != nil {
			return
		}
		if lt.events.OnServerReflexiveAddrChange != nil {
			lt.events.OnServerReflexiveAddrChange(ip, port)
		}
	}()
}

// EnableRelay allocates a UDP TURN relay on server and, on success, raises
// OnRelayedAddrChange (spec.md section 4.7).
func (lt *LocalTransport) EnableRelay(server net.Addr, creds turn.Credentials, loggerFactory logging.LoggerFactory) {
	lt.mu.Lock()
	lt.turnServer = server
	handlers := turn.Handlers{
		OnRelayedAddress: func(ip net.IP, port int) {
			if lt.events.OnRelayedAddrChange != nil {
				lt.events.OnRelayedAddrChange(ip, port)
			}
		},
		OnPeerData: func(peerIP net.IP, peerPort int, data []byte) {
			if lt.events.OnPeerData != nil {
				lt.events.OnPeerData(data, &net.UDPAddr{IP: peerIP, Port: peerPort}, 1)
			}
		},
	}
	client := turn.NewUDPClient(lt.pool, server, creds, handlers, loggerFactory)
	lt.turnClient = client
	lt.mu.Unlock()

	go func() { _ = client.Allocate() }()
}

// TURNClient returns the TURN client enabled via EnableRelay, or nil.
func (lt *LocalTransport) TURNClient() *turn.Client {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.turnClient
}

func (lt *LocalTransport) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, from, err := lt.pconn.ReadFrom(buf)
		if err != nil {
			return
		}
		lt.dispatch(append([]byte{}, buf[:n]...), from)
	}
}

// dispatch classifies one inbound datagram by source address (spec.md
// section 4.6): bind-server and TURN-server traffic is consumed by the
// pool/TURN client; everything else is peer-origin: responses matching one
// of this socket's pending transactions (our own connectivity checks) go to
// the pool, STUN requests and indications (the peer's checks) to
// OnPeerSTUN, and the rest is application data.
func (lt *LocalTransport) dispatch(buf []byte, from net.Addr) {
	lt.mu.Lock()
	bindServer := lt.bindServer
	turnServer := lt.turnServer
	turnClient := lt.turnClient
	lt.mu.Unlock()

	fromSTUNServer := bindServer != nil && from.String() == bindServer.String()
	fromTURNServer := turnServer != nil && from.String() == turnServer.String()

	if fromSTUNServer || fromTURNServer {
		if m, err := stun.Decode(buf, stun.DecodeOptions{}); err == nil {
			if lt.pool.HandleInbound(m) {
				return
			}
		}
		if turnClient != nil && turnClient.Allocation().HandleInbound(buf) {
			return
		}
		return
	}

	if m, err := stun.Decode(buf, stun.DecodeOptions{}); err == nil {
		if lt.pool.HandleInbound(m) {
			return
		}
		if m.Class == stun.ClassRequest || m.Class == stun.ClassIndication {
			if lt.events.OnPeerSTUN != nil {
				lt.events.OnPeerSTUN(m, buf, from)
			}
			return
		}
	}

	if lt.events.OnPeerData != nil {
		lt.events.OnPeerData(buf, from, 0)
	}
}

// Close shuts down the socket and its pool.
func (lt *LocalTransport) Close() error {
	lt.mu.Lock()
	if lt.closed {
		lt.mu.Unlock()
		return nil
	}
	lt.closed = true
	client := lt.turnClient
	lt.mu.Unlock()

	if client != nil {
		client.Close()
	}
	lt.pool.Close()
	return lt.pconn.Close()
}
