package ice

import (
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pkg/errors"
	"github.com/psi-plus/iceagent/icerr"
	"github.com/psi-plus/iceagent/stun"
	"github.com/psi-plus/iceagent/turn"
)

// Role is ICE-Controlling ("Initiator") or ICE-Controlled ("Responder"),
// fixed for the lifetime of a session at Start (spec.md section 4.8).
type Role int

const (
	RoleControlling Role = iota
	RoleControlled
)

// State is the Agent's session lifecycle (spec.md section 3's
// "Ownership" paragraph).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// checkTickInterval is the periodic check-selection timer of spec.md
// section 4.8.
const checkTickInterval = 20 * time.Millisecond

// gatheringCompleteTimeout bounds how long trickle mode waits for
// asynchronous server-reflexive/relayed candidates before declaring
// gathering complete — there is no server-side signal for "no more
// candidates coming", so this is a fixed grace period after host
// candidates (which resolve synchronously) are available.
const gatheringCompleteTimeout = 5 * time.Second

// Events are the notifications an Agent's owner subscribes to — the
// sum-typed "event enum per component" design called for in spec.md
// section 9, realized here as a struct of optional callbacks delivered
// synchronously from the Agent's own event-loop goroutine.
type Events struct {
	// OnLocalCandidate delivers one candidate as soon as it is gathered;
	// used only in trickle mode.
	OnLocalCandidate func(c *LocalCandidate)
	// OnLocalCandidatesReady delivers every host candidate in one batch,
	// once all local transports have finished binding; used only in
	// non-trickle mode.
	OnLocalCandidatesReady func(candidates []*LocalCandidate)
	// OnLocalGatheringComplete fires exactly once, in trickle mode, once
	// gathering (host plus any server-reflexive/relayed candidates) has
	// settled.
	OnLocalGatheringComplete func()
	OnComponentReady         func(componentID int)
	// OnPeerData delivers application data received on a component's
	// transport, per spec.md section 5's "Data flow (receive)": peer-origin
	// non-STUN traffic is handed to the application, not consumed by ICE.
	OnPeerData func(componentID int, data []byte, from net.Addr)
	OnStateChange func(State)
	OnError       func(*icerr.Error)
}

// Config collects every per-agent option of spec.md section 6.4.
type Config struct {
	ComponentCount        int
	LocalAddrs            []net.IP
	UseLocal              bool
	UseStunBind           bool
	StunServer            net.Addr
	UseStunRelayUDP       bool
	RelayUDPServer        net.Addr
	UseStunRelayTCP       bool
	RelayTCPServer        string
	RelayTCPTLS           bool
	Credentials           turn.Credentials
	AggressiveNomination  bool
	Trickle               bool
	MaxPairsPerComponent  int
	// BasePort, if non-zero, causes Start to pre-bind and borrow host
	// sockets from a PortReserver starting at this port (spec.md section
	// 4.9) instead of binding ephemeral ports directly.
	BasePort      int
	LoggerFactory logging.LoggerFactory
}

// Agent drives candidate gathering, the connectivity-check state machine,
// and nomination for one ICE session (spec.md section 4.8, C8).
type Agent struct {
	cfg    Config
	events Events
	log    logging.LeveledLogger

	role       Role
	tiebreaker uint64

	localUfrag, localPassword   string
	remoteUfrag, remotePassword string

	components   map[int]*Component
	checklist    *CheckList
	portReserver *PortReserver

	remoteCandidates []*RemoteCandidate

	state             State
	componentReady    map[int]bool
	pendingCandidates []*LocalCandidate
	gatheringComplete bool

	// nominating tracks, per component, the valid pair regular nomination
	// (spec.md section 4.8) has chosen to re-check with USE-CANDIDATE, so
	// maybeNominate doesn't pick a second one while the first is pending.
	nominating map[int]*CandidatePair

	tasks chan func()
	quit  chan struct{}
}

// NewAgent creates an Agent in the Stopped state with freshly generated
// local credentials and tiebreaker (spec.md section 4.8).
func NewAgent(cfg Config, events Events) (*Agent, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.ComponentCount == 0 {
		cfg.ComponentCount = 1
	}

	ufrag, err := randutil.GenerateCryptoRandomString(4, ufragAlphabet)
	if err != nil {
		return nil, err
	}
	password, err := randutil.GenerateCryptoRandomString(22, ufragAlphabet)
	if err != nil {
		return nil, err
	}
	tiebreaker := randutil.NewMathRandomGenerator().Uint64()

	return &Agent{
		cfg:            cfg,
		events:         events,
		log:            cfg.LoggerFactory.NewLogger("ice"),
		tiebreaker:     tiebreaker,
		localUfrag:     ufrag,
		localPassword:  password,
		components:     make(map[int]*Component),
		checklist:      NewCheckList(cfg.ComponentCount, cfg.MaxPairsPerComponent),
		componentReady: make(map[int]bool),
		nominating:     make(map[int]*CandidatePair),
		tasks:          make(chan func()),
		quit:           make(chan struct{}),
	}, nil
}

const ufragAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// LocalCredentials returns the ufrag/password to hand to the peer out of
// band.
func (a *Agent) LocalCredentials() (ufrag, password string) {
	return a.localUfrag, a.localPassword
}

// SetRemoteCredentials records the peer's ufrag/password, required before
// Start (spec.md section 4.8).
func (a *Agent) SetRemoteCredentials(ufrag, password string) {
	a.remoteUfrag, a.remotePassword = ufrag, password
}

// Start fixes the role, launches the event loop, and begins gathering on
// every configured component (spec.md section 3's lifecycle: Stopped ->
// Starting).
func (a *Agent) Start(role Role) error {
	a.role = role
	a.setState(StateStarting)

	go a.loop()

	perComponentConns := a.borrowPorts()

	for i := 1; i <= a.cfg.ComponentCount; i++ {
		comp := a.newComponent(i)
		a.components[i] = comp
		opts := GatherOptions{
			ComponentID:    i,
			LocalAddrs:     a.cfg.LocalAddrs,
			StunServer:     a.cfg.StunServer,
			UseStunBind:    a.cfg.UseStunBind,
			UseRelayUDP:    a.cfg.UseStunRelayUDP,
			RelayUDPServer: a.cfg.RelayUDPServer,
			UseRelayTCP:    a.cfg.UseStunRelayTCP,
			RelayTCPServer: a.cfg.RelayTCPServer,
			RelayTCPTLS:    a.cfg.RelayTCPTLS,
			Credentials:    a.cfg.Credentials,
			BorrowedConns:  perComponentConns[i-1],
		}
		if err := comp.Gather(opts, a.cfg.LoggerFactory); err != nil {
			return err
		}
	}

	if a.cfg.Trickle {
		time.AfterFunc(gatheringCompleteTimeout, func() {
			a.run(func() {
				if a.gatheringComplete {
					return
				}
				a.gatheringComplete = true
				if a.events.OnLocalGatheringComplete != nil {
					a.events.OnLocalGatheringComplete()
				}
			})
		})
	} else if a.events.OnLocalCandidatesReady != nil {
		a.run(func() {
			batch := a.pendingCandidates
			a.pendingCandidates = nil
			a.events.OnLocalCandidatesReady(batch)
		})
	}

	return nil
}

// borrowPorts pre-reserves and borrows one host socket per (component,
// local address) pair from a PortReserver when BasePort is configured
// (spec.md section 4.9). Returns nil entries when BasePort is 0, in which
// case each Component binds its own ephemeral-port socket.
func (a *Agent) borrowPorts() []map[string]*net.UDPConn {
	conns := make([]map[string]*net.UDPConn, a.cfg.ComponentCount)
	if a.cfg.BasePort == 0 || len(a.cfg.LocalAddrs) == 0 {
		return conns
	}

	a.portReserver = NewPortReserver(a.cfg.LoggerFactory)
	a.portReserver.SetAddresses(a.cfg.LocalAddrs)
	a.portReserver.SetPortRange(a.cfg.BasePort, a.cfg.ComponentCount)

	flat := a.portReserver.BorrowSockets(a.cfg.ComponentCount)
	perAddr := len(a.cfg.LocalAddrs)
	for i := 0; i < a.cfg.ComponentCount; i++ {
		start := i * perAddr
		if start+perAddr > len(flat) {
			break
		}
		group := flat[start : start+perAddr]
		m := make(map[string]*net.UDPConn, perAddr)
		for _, conn := range group {
			m[conn.LocalAddr().(*net.UDPAddr).IP.String()] = conn
		}
		conns[i] = m
	}
	return conns
}

func (a *Agent) newComponent(id int) *Component {
	events := ComponentEvents{
		OnCandidate: func(c *LocalCandidate) {
			a.run(func() { a.onLocalCandidate(c) })
		},
		OnPeerSTUN: func(lt *LocalTransport, m *stun.Message, raw []byte, from net.Addr) {
			a.run(func() { a.onPeerSTUN(lt, m, raw, from) })
		},
		OnPeerData: func(data []byte, from net.Addr, path int) {
			a.run(func() {
				if a.events.OnPeerData != nil {
					a.events.OnPeerData(id, data, from)
				}
			})
		},
	}
	return NewComponent(id, events, a.cfg.LoggerFactory)
}

// run posts fn to the agent's single event-loop goroutine and blocks until
// it has executed, serializing all state mutation the way spec.md section
// 5 requires ("single-threaded cooperative"). Grounded on the modern
// pion/ice agent's task-channel pattern.
func (a *Agent) run(fn func()) {
	done := make(chan struct{})
	select {
	case a.tasks <- func() { fn(); close(done) }:
		<-done
	case <-a.quit:
	}
}

func (a *Agent) loop() {
	ticker := time.NewTicker(checkTickInterval)
	defer ticker.Stop()
	for {
		select {
		case task := <-a.tasks:
			task()
		case <-ticker.C:
			a.checkTick()
		case <-a.quit:
			return
		}
	}
}

func (a *Agent) setState(s State) {
	a.state = s
	if a.events.OnStateChange != nil {
		a.events.OnStateChange(s)
	}
}

func (a *Agent) raiseError(err *icerr.Error) {
	if a.events.OnError != nil {
		a.events.OnError(err)
	}
}

// onLocalCandidate pairs a freshly gathered local candidate against every
// known remote candidate, applying spec.md section 4.8's pairing rules,
// then (in trickle mode) notifies the owner immediately.
func (a *Agent) onLocalCandidate(local *LocalCandidate) {
	var newPairs []*CandidatePair
	for _, remote := range a.remoteCandidates {
		if pair := a.tryPair(local, remote); pair != nil {
			newPairs = append(newPairs, pair)
		}
	}
	if len(newPairs) > 0 {
		a.checklist.AddPairs(newPairs)
	}

	if a.cfg.Trickle {
		if a.events.OnLocalCandidate != nil {
			a.events.OnLocalCandidate(local)
		}
	} else {
		a.pendingCandidates = append(a.pendingCandidates, local)
	}
}

// AddRemoteCandidate records a candidate learned out of band and pairs it
// against every known local candidate. If a remote candidate already in the
// list shares this (component, address), its fields are rewritten in place
// instead of adding a duplicate entry — the documented source behavior of
// spec.md section 9. Synthesized peer-reflexive remotes are never put in the
// list, so they are not matched here.
func (a *Agent) AddRemoteCandidate(info CandidateInfo) {
	a.run(func() {
		for _, existing := range a.remoteCandidates {
			if existing.ComponentID == info.ComponentID && existing.Address.Key() == info.Address.Key() {
				existing.CandidateInfo = info
				return
			}
		}

		remote := &RemoteCandidate{CandidateInfo: info}
		a.remoteCandidates = append(a.remoteCandidates, remote)

		var newPairs []*CandidatePair
		for _, comp := range a.components {
			for _, local := range comp.Candidates() {
				if pair := a.tryPair(local, remote); pair != nil {
					newPairs = append(newPairs, pair)
				}
			}
		}
		if len(newPairs) > 0 {
			a.checklist.AddPairs(newPairs)
		}
	})
}

// tryPair applies spec.md section 4.8's pairing skip rules and builds a
// CandidatePair, or returns nil if the combination is disallowed.
func (a *Agent) tryPair(local *LocalCandidate, remote *RemoteCandidate) *CandidatePair {
	if local.Type == CandidateTypePeerReflexive {
		return nil // peer-reflexive locals never originate pairs
	}
	if local.ComponentID != remote.ComponentID {
		return nil
	}
	if isV4(local.Address.IP) != isV4(remote.Address.IP) {
		return nil
	}
	if local.Type == CandidateTypeRelayed && remote.Address.IP.IsLoopback() {
		return nil // known-broken combination with common TURN servers
	}

	if local.Address.Zone != "" {
		remote.Address.Zone = local.Address.Zone
	}

	return NewPair(local, remote, a.role == RoleControlling)
}

func isV4(ip net.IP) bool { return ip.To4() != nil }

// checkTick implements spec.md section 4.8's 20ms check-scheduling timer.
func (a *Agent) checkTick() {
	pair := a.checklist.NextCheck()
	if pair == nil {
		return
	}
	a.issueCheck(pair)
}

// issueCheck transitions pair to in-progress and sends a Binding request
// carrying PRIORITY, the controlling/controlled attribute, and short-term
// credentials (spec.md section 4.8's "Check issuance").
func (a *Agent) issueCheck(pair *CandidatePair) {
	pair.State = PairInProgress
	pool := pair.Local.Transport.Pool()
	dest := pair.Remote.Address.UDPAddr()

	username := a.remoteUfrag + ":" + a.localUfrag
	priority := Priority(CandidateTypePeerReflexive, uint32(1<<16), pair.Local.ComponentID)
	useCandidate := a.role == RoleControlling && (a.cfg.AggressiveNomination || pair.forceNominate)

	req := BindingRequest{
		Priority:     priority,
		UseCandidate: useCandidate,
		Controlling:  a.role == RoleControlling,
		Tiebreaker:   a.tiebreaker,
		Username:     username,
		Password:     a.remotePassword,
	}

	go func() {
		ip, port, roleConflict, err := IssueBinding(pool, dest, req, func(id stun.TransactionID) {
			a.run(func() {
				if pair.State == PairInProgress {
					pair.binding = func() { pool.Cancel(id) }
				}
			})
		})
		a.run(func() {
			pair.binding = nil
			a.onCheckOutcome(pair, ip, port, roleConflict, err)
		})
	}()
}

func (a *Agent) onCheckOutcome(pair *CandidatePair, mappedIP string, mappedPort int, roleConflict bool, err error) {
	cause := err
	if ie, ok := err.(*icerr.Error); ok {
		cause = ie.Cause
	}
	if _, canceled := cause.(*stun.CanceledError); canceled {
		// superseded by a triggered check (spec.md section 4.8); the pair
		// has already been reset and re-queued, nothing to report here.
		return
	}
	if err != nil {
		if roleConflict {
			a.raiseError(icerr.New(icerr.Rejected, err))
		}
		pair.State = PairFailed
		if pair.forceNominate {
			// The chosen regular-nomination re-check didn't pan out; let a
			// later maybeNominate call pick another valid pair.
			pair.forceNominate = false
			delete(a.nominating, pair.Local.ComponentID)
		}
		if a.state == StateStarted && pair.IsNominated {
			a.raiseError(icerr.New(icerr.Disconnected, err))
		}
		a.maybeFail(pair.Local.ComponentID)
		return
	}

	pair.State = PairSucceeded
	a.onBindingSuccess(pair, net.ParseIP(mappedIP), mappedPort)
}

// onBindingSuccess implements spec.md section 4.8's "Binding success":
// compare the response's mapped address to the pair's local candidate,
// promoting or creating a peer-reflexive-local pair as needed.
func (a *Agent) onBindingSuccess(pair *CandidatePair, mappedIP net.IP, mappedPort int) {
	mapped := TransportAddress{IP: mappedIP, Port: mappedPort}
	if mapped.Key() == pair.Local.Address.Key() {
		a.checklist.MarkValid(pair)
	} else {
		comp := a.components[pair.Local.ComponentID]
		var matching *LocalCandidate
		for _, lc := range comp.Candidates() {
			if lc.Address.Key() == mapped.Key() || lc.Base.Key() == mapped.Key() {
				matching = lc
				break
			}
		}
		if matching == nil {
			matching = comp.AddPeerReflexiveLocal(pair.Local, mapped, pair.Local.Priority)
			if a.events.OnLocalCandidate != nil {
				a.events.OnLocalCandidate(matching)
			}
		}
		newPair := a.checklist.Find(matching, pair.Remote)
		if newPair == nil {
			newPair = NewPair(matching, pair.Remote, a.role == RoleControlling)
			a.checklist.Add(newPair)
		}
		newPair.State = PairSucceeded
		a.checklist.MarkValid(newPair)
	}

	a.maybeNominate(pair)
}

// maybeNominate handles spec.md section 4.8's nomination rules: aggressive
// nomination's first-success wins; regular nomination (the default) has the
// controlling side pick one valid pair per component and re-check it with
// USE-CANDIDATE, nominating it only once that second check itself succeeds.
// The controlled side's half of regular nomination — recognizing an
// incoming USE-CANDIDATE request — is handled inside triggeredCheck.
func (a *Agent) maybeNominate(pair *CandidatePair) {
	if a.role != RoleControlling {
		return
	}

	if a.cfg.AggressiveNomination {
		if !pair.IsNominated {
			pair.IsNominated = true
			a.raiseComponentReady(pair.Local.ComponentID)
		}
		return
	}

	componentID := pair.Local.ComponentID

	if pair.forceNominate && !pair.IsNominated {
		// This success is the regular-nomination re-check's own outcome:
		// the USE-CANDIDATE check it carried is what actually nominates it.
		pair.IsNominated = true
		delete(a.nominating, componentID)
		a.raiseComponentReady(componentID)
		return
	}

	if a.componentReady[componentID] || a.nominating[componentID] != nil {
		return // already nominated, or a nomination re-check is in flight
	}

	best := a.bestValidPair(componentID)
	if best == nil {
		return
	}
	a.nominating[componentID] = best
	best.forceNominate = true
	best.State = PairWaiting
	a.checklist.Trigger(best)
}

// bestValidPair returns the highest-priority valid pair for componentID —
// the pair regular nomination (spec.md section 4.8) re-checks with
// USE-CANDIDATE — or nil if none has gone valid yet.
func (a *Agent) bestValidPair(componentID int) *CandidatePair {
	var best *CandidatePair
	for _, p := range a.checklist.Valid {
		if p.Local.ComponentID != componentID {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	return best
}

// raiseComponentReady fires OnComponentReady at most once per component
// (spec.md section 4.8's "Per-component completion").
func (a *Agent) raiseComponentReady(componentID int) {
	if a.componentReady[componentID] {
		return
	}
	a.componentReady[componentID] = true
	if a.events.OnComponentReady != nil {
		a.events.OnComponentReady(componentID)
	}
}

// maybeFail implements spec.md section 4.8's failure detection: it raises a
// Generic error once no pair for the component remains waiting,
// in-progress or frozen and none of its pairs is nominated. Whether either
// side has finished gathering is not consulted.
func (a *Agent) maybeFail(componentID int) {
	for _, p := range a.checklist.Pairs {
		if p.Local.ComponentID != componentID {
			continue
		}
		switch p.State {
		case PairWaiting, PairInProgress, PairFrozen:
			return
		}
	}
	if a.checklist.BestNominatedFor(componentID) != nil {
		return
	}
	a.raiseError(icerr.New(icerr.Generic, nil))
}

// onPeerSTUN handles an incoming Binding request (a connectivity check)
// arriving on lt (spec.md section 4.8's "Incoming Binding request" and
// "Triggered check semantics"); any other peer STUN message is ignored.
// Responses to this agent's own checks are consumed by the transport's pool
// and never reach here.
func (a *Agent) onPeerSTUN(lt *LocalTransport, m *stun.Message, raw []byte, from net.Addr) {
	if m.Class == stun.ClassRequest && m.Method == stun.MethodBinding {
		a.handleIncomingBindingRequest(lt, m, raw, from)
		return
	}
}

func (a *Agent) handleIncomingBindingRequest(lt *LocalTransport, m *stun.Message, raw []byte, from net.Addr) {
	expectedUsername := a.localUfrag + ":" + a.remoteUfrag
	usernameAttr, ok := m.Get(stun.AttrUsername)
	if !ok || string(usernameAttr.Value) != expectedUsername {
		return
	}
	if _, err := stun.Decode(raw, stun.DecodeOptions{Key: []byte(a.localPassword)}); err != nil {
		return
	}

	udpFrom, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}

	resp := &stun.Message{Class: stun.ClassSuccessResponse, Method: stun.MethodBinding, TransactionID: m.TransactionID}
	resp.SetXorMappedAddress(udpFrom.IP, udpFrom.Port)
	respRaw, err := stun.Encode(resp, stun.EncodeOptions{Key: []byte(a.localPassword), Fingerprint: true})
	if err == nil {
		_, _ = lt.WriteTo(respRaw, from)
	}

	local := a.findLocalForTransport(lt)
	if local == nil {
		return
	}

	remote := a.findRemoteByAddress(local.ComponentID, TransportAddress{IP: udpFrom.IP, Port: udpFrom.Port, Zone: udpFrom.Zone})
	if remote == nil {
		priority := peerPriorityFromRequest(m)
		remote = &RemoteCandidate{CandidateInfo: CandidateInfo{
			Type:        CandidateTypePeerReflexive,
			ComponentID: local.ComponentID,
			Address:     TransportAddress{IP: udpFrom.IP, Port: udpFrom.Port, Zone: udpFrom.Zone},
			Priority:    priority,
			Foundation:  NewCandidateID(),
		}}
		// per RFC 8445 section 7.2.5.3.2.3: used for a triggered check, but
		// not added to the remote-candidate list.
	}

	nominated := m.Contains(stun.AttrUseCandidate) && a.role == RoleControlled
	a.triggeredCheck(local, remote, nominated)
}

func peerPriorityFromRequest(m *stun.Message) uint32 {
	a, ok := m.Get(stun.AttrPriority)
	if !ok || len(a.Value) != 4 {
		return 0
	}
	return uint32(a.Value[0])<<24 | uint32(a.Value[1])<<16 | uint32(a.Value[2])<<8 | uint32(a.Value[3])
}

func (a *Agent) findLocalForTransport(lt *LocalTransport) *LocalCandidate {
	for _, comp := range a.components {
		for _, lc := range comp.Candidates() {
			if lc.Transport == lt {
				return lc
			}
		}
	}
	return nil
}

func (a *Agent) findRemoteByAddress(componentID int, addr TransportAddress) *RemoteCandidate {
	for _, r := range a.remoteCandidates {
		if r.ComponentID == componentID && r.Address.Key() == addr.Key() {
			return r
		}
	}
	return nil
}

// triggeredCheck implements spec.md section 4.8's "Triggered check
// semantics".
func (a *Agent) triggeredCheck(local *LocalCandidate, remote *RemoteCandidate, nominated bool) {
	pair := a.checklist.Find(local, remote)
	if pair == nil {
		pair = NewPair(local, remote, a.role == RoleControlling)
		pair.IsTriggeredForNominated = nominated
		a.checklist.Add(pair)
		a.checklist.Trigger(pair)
		return
	}

	switch pair.State {
	case PairSucceeded:
		if a.role == RoleControlled && nominated && !pair.IsNominated {
			pair.IsNominated = true
			a.checklist.MarkValid(pair)
			a.raiseComponentReady(pair.Local.ComponentID)
		}
	case PairInProgress:
		if pair.binding != nil {
			pair.binding()
		}
		pair.State = PairWaiting
		pair.IsTriggeredForNominated = pair.IsTriggeredForNominated || nominated
		a.checklist.Trigger(pair)
	default:
		pair.State = PairWaiting
		pair.IsTriggeredForNominated = pair.IsTriggeredForNominated || nominated
		a.checklist.Trigger(pair)
	}
}

// Send writes data to componentID's nominated pair (spec.md section 5's
// "Data flow (send)": Application selects through the Agent, which picks
// the pair's local transport and path — direct or relayed). It returns an
// error if no pair has been nominated for componentID yet.
func (a *Agent) Send(componentID int, data []byte) error {
	var pair *CandidatePair
	var comp *Component
	a.run(func() {
		pair = a.checklist.BestNominatedFor(componentID)
		comp = a.components[componentID]
	})
	if pair == nil {
		return icerr.New(icerr.Generic, errors.Errorf("ice: component %d has no nominated pair", componentID))
	}

	if pair.Local.Path == 1 {
		var client *turn.Client
		if pair.Local.Transport != nil {
			client = pair.Local.Transport.TURNClient()
		} else if comp != nil {
			client = comp.TCPTurnClient()
		}
		if client == nil || client.Allocation() == nil {
			return icerr.New(icerr.Generic, errors.New("ice: relayed candidate has no active allocation"))
		}
		return client.Allocation().Write(pair.Remote.Address.IP, pair.Remote.Address.Port, data)
	}

	_, err := pair.Local.Transport.WriteTo(data, pair.Remote.Address.UDPAddr())
	return err
}

// Stop idempotently tears the agent down: in-flight transactions are
// detached and drained, any TURN allocation is deallocated, and every
// transport is closed (spec.md section 5's "Cancellation").
func (a *Agent) Stop() {
	stopped := false
	a.run(func() {
		if a.state == StateStopping || a.state == StateStopped {
			return
		}
		a.setState(StateStopping)
		for _, comp := range a.components {
			comp.Close()
		}
		if a.portReserver != nil {
			a.portReserver.Close()
		}
		a.setState(StateStopped)
		stopped = true
	})
	if stopped {
		close(a.quit)
	}
}
