package ice

import (
	"net"
	"sync"

	"github.com/pion/logging"
	"github.com/psi-plus/iceagent/stun"
	"github.com/psi-plus/iceagent/turn"
)

// tcpRelayNetworkIndex is the synthetic network index a TCP-TURN transport
// is assigned, so it always sorts as the "last" interface (spec.md section
// 4.7: "priority as if this were network index 1024").
const tcpRelayNetworkIndex = 1024

// ComponentEvents notifies a Component's owner (the Agent) as candidates
// are gathered.
type ComponentEvents struct {
	OnCandidate func(c *LocalCandidate)
	OnPeerData  func(data []byte, from net.Addr, path int)
	OnPeerSTUN  func(transport *LocalTransport, m *stun.Message, raw []byte, from net.Addr)
}

// GatherOptions mirrors spec.md section 6.4's per-component knobs.
type GatherOptions struct {
	ComponentID    int
	LocalAddrs     []net.IP
	StunServer     net.Addr
	UseStunBind    bool
	UseRelayUDP    bool
	RelayUDPServer net.Addr
	UseRelayTCP    bool
	RelayTCPServer string
	RelayTCPTLS    bool
	Credentials    turn.Credentials
	// BorrowedConns, if non-nil, supplies already-bound sockets (typically
	// borrowed from a PortReserver) keyed by local IP string, used instead
	// of binding a fresh ephemeral-port socket for that address.
	BorrowedConns map[string]*net.UDPConn
}

// Component gathers and owns the local candidates and transports for one
// ICE component (spec.md section 4.7, C7).
type Component struct {
	id     int
	events ComponentEvents
	log    logging.LeveledLogger

	mu            sync.Mutex
	transports    []*LocalTransport
	candidates    []*LocalCandidate
	networkIdx    map[*LocalTransport]int
	tcpTurnClient *turn.Client
}

// NewComponent creates an empty Component; call Gather to start producing
// candidates.
func NewComponent(id int, events ComponentEvents, loggerFactory logging.LoggerFactory) *Component {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Component{
		id:         id,
		events:     events,
		log:        loggerFactory.NewLogger("ice"),
		networkIdx: make(map[*LocalTransport]int),
	}
}

// Gather creates one LocalTransport per configured local address (plus,
// if enabled, one TCP-TURN transport) and begins emitting candidates as
// each stage of gathering completes (spec.md section 4.7).
func (c *Component) Gather(opts GatherOptions, loggerFactory logging.LoggerFactory) error {
	for idx, ip := range opts.LocalAddrs {
		udpConn := opts.BorrowedConns[ip.String()]
		if udpConn == nil {
			var err error
			udpConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: ip})
			if err != nil {
				return err
			}
		}
		c.startUDPTransport(udpConn, idx, opts, loggerFactory)
	}

	if opts.UseRelayTCP && opts.RelayTCPServer != "" {
		c.startTCPRelay(opts, loggerFactory)
	}

	return nil
}

func (c *Component) startUDPTransport(conn net.PacketConn, networkIdx int, opts GatherOptions, loggerFactory logging.LoggerFactory) {
	var lt *LocalTransport
	events := LocalTransportEvents{
		OnStarted: func() {
			c.emitHost(lt, networkIdx)
		},
		OnServerReflexiveAddrChange: func(ip net.IP, port int) {
			c.emitReflexive(lt, ip, port, networkIdx)
		},
		OnRelayedAddrChange: func(ip net.IP, port int) {
			c.emitRelayed(lt, ip, port, networkIdx, ProtocolUDP, 0)
		},
		OnPeerData: func(data []byte, from net.Addr, path int) {
			if c.events.OnPeerData != nil {
				c.events.OnPeerData(data, from, path)
			}
		},
		OnPeerSTUN: func(m *stun.Message, raw []byte, from net.Addr) {
			if c.events.OnPeerSTUN != nil {
				c.events.OnPeerSTUN(lt, m, raw, from)
			}
		},
	}
	lt = NewLocalTransport(conn, events, loggerFactory)

	c.mu.Lock()
	c.transports = append(c.transports, lt)
	c.networkIdx[lt] = networkIdx
	c.mu.Unlock()

	if opts.UseStunBind && opts.StunServer != nil {
		lt.EnableServerReflexive(opts.StunServer)
	}
	if opts.UseRelayUDP && opts.RelayUDPServer != nil {
		lt.EnableRelay(opts.RelayUDPServer, opts.Credentials, loggerFactory)
	}
}

func (c *Component) startTCPRelay(opts GatherOptions, loggerFactory logging.LoggerFactory) {
	handlers := turn.Handlers{
		OnRelayedAddress: func(ip net.IP, port int) {
			c.emitRelayed(nil, ip, port, tcpRelayNetworkIndex, ProtocolTCP, c.id)
		},
		OnPeerData: func(peerIP net.IP, peerPort int, data []byte) {
			if c.events.OnPeerData != nil {
				c.events.OnPeerData(data, &net.UDPAddr{IP: peerIP, Port: peerPort}, 1)
			}
		},
	}
	client, err := turn.NewStreamClient(opts.RelayTCPServer, opts.RelayTCPTLS, opts.Credentials, handlers, loggerFactory)
	if err != nil {
		c.log.Debugf("ice: tcp-turn dial failed: %v", err)
		return
	}
	c.mu.Lock()
	c.tcpTurnClient = client
	c.mu.Unlock()
	go func() { _ = client.Allocate() }()
}

// TCPTurnClient returns the TCP-TURN client enabled via a TCP-relayed
// gather (spec.md section 4.7), or nil if none was configured. The
// TCP-relayed candidate's LocalCandidate.Transport is nil — this is how
// the Agent finds the client to send through it.
func (c *Component) TCPTurnClient() *turn.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcpTurnClient
}

func (c *Component) emitHost(lt *LocalTransport, networkIdx int) {
	addr := lt.LocalAddr()
	ta := TransportAddress{IP: addr.IP, Port: addr.Port, Zone: addr.Zone}
	info := CandidateInfo{
		Type:        CandidateTypeHost,
		Protocol:    ProtocolUDP,
		Address:     ta,
		Base:        ta,
		ComponentID: c.id,
		Priority:    Priority(CandidateTypeHost, uint32(1<<16-networkIdx), c.id),
		Foundation:  Foundation(CandidateTypeHost, ta.IP, nil, ProtocolUDP),
		Network:     networkIdx,
		ID:          NewCandidateID(),
	}
	c.addCandidate(&LocalCandidate{CandidateInfo: info, Transport: lt, Path: 0})
}

func (c *Component) emitReflexive(lt *LocalTransport, ip net.IP, port int, networkIdx int) {
	base := lt.LocalAddr()
	baseAddr := TransportAddress{IP: base.IP, Port: base.Port, Zone: base.Zone}
	info := CandidateInfo{
		Type:        CandidateTypeServerReflexive,
		Protocol:    ProtocolUDP,
		Address:     TransportAddress{IP: ip, Port: port},
		Base:        baseAddr,
		ComponentID: c.id,
		Priority:    Priority(CandidateTypeServerReflexive, uint32(1<<16-networkIdx), c.id),
		Foundation:  Foundation(CandidateTypeServerReflexive, baseAddr.IP, ip, ProtocolUDP),
		Network:     networkIdx,
		ID:          NewCandidateID(),
	}
	c.addCandidate(&LocalCandidate{CandidateInfo: info, Transport: lt, Path: 0})
}

func (c *Component) emitRelayed(lt *LocalTransport, ip net.IP, port int, networkIdx int, proto NetworkProtocol, componentOverride int) {
	relayed := TransportAddress{IP: ip, Port: port}
	var base TransportAddress
	if lt != nil {
		b := lt.LocalAddr()
		base = TransportAddress{IP: b.IP, Port: b.Port, Zone: b.Zone}
	} else {
		base = relayed
	}
	info := CandidateInfo{
		Type:        CandidateTypeRelayed,
		Protocol:    proto,
		Address:     relayed,
		Base:        relayed,
		ComponentID: c.id,
		Priority:    Priority(CandidateTypeRelayed, uint32(1<<16-networkIdx), c.id),
		Foundation:  Foundation(CandidateTypeRelayed, base.IP, ip, proto),
		Network:     networkIdx,
		ID:          NewCandidateID(),
	}
	path := 1
	c.addCandidate(&LocalCandidate{CandidateInfo: info, Transport: lt, Path: path})
}

// addCandidate applies RFC 8445 section 5.1.3 redundancy elimination
// before notifying the owner: drop any candidate whose address and base
// match an already-emitted one of equal or higher priority (spec.md
// section 4.7).
func (c *Component) addCandidate(lc *LocalCandidate) {
	c.mu.Lock()
	for _, existing := range c.candidates {
		if existing.Address.Key() == lc.Address.Key() && existing.Base.Key() == lc.Base.Key() && existing.Priority >= lc.Priority {
			c.mu.Unlock()
			return
		}
	}
	c.candidates = append(c.candidates, lc)
	c.mu.Unlock()

	if c.events.OnCandidate != nil {
		c.events.OnCandidate(lc)
	}
}

// Candidates returns a snapshot of all candidates gathered so far.
func (c *Component) Candidates() []*LocalCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*LocalCandidate, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// AddPeerReflexiveLocal registers a local peer-reflexive candidate
// discovered via a successful connectivity check whose MAPPED-ADDRESS did
// not match any known local candidate (spec.md section 4.7).
func (c *Component) AddPeerReflexiveLocal(base *LocalCandidate, mapped TransportAddress, priority uint32) *LocalCandidate {
	info := CandidateInfo{
		Type:        CandidateTypePeerReflexive,
		Protocol:    base.Protocol,
		Address:     mapped,
		Base:        base.Address,
		ComponentID: c.id,
		Priority:    priority,
		Foundation:  Foundation(CandidateTypePeerReflexive, base.Address.IP, nil, base.Protocol),
		ID:          NewCandidateID(),
	}
	lc := &LocalCandidate{CandidateInfo: info, Transport: base.Transport, Path: base.Path}
	c.mu.Lock()
	c.candidates = append(c.candidates, lc)
	c.mu.Unlock()
	return lc
}

// EnableLowOverheadChannel installs a TURN channel binding for peer on the
// local transport carrying traffic to it, trading a ChannelBind round trip
// for reduced per-packet overhead (spec.md section 4.7). Nothing is
// installed unless that transport's allocation already has an active
// permission for peer.
func (c *Component) EnableLowOverheadChannel(lt *LocalTransport, peer net.IP, port int) {
	client := lt.TURNClient()
	if client == nil {
		return
	}
	client.Allocation().AddChannelPeer(peer, port)
}

// Close shuts down every transport owned by this component.
func (c *Component) Close() {
	c.mu.Lock()
	transports := c.transports
	c.mu.Unlock()
	for _, lt := range transports {
		_ = lt.Close()
	}
}
