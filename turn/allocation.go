package turn

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/psi-plus/iceagent/icerr"
	"github.com/psi-plus/iceagent/stun"
)

// State is the lifecycle of a TURN allocation (spec.md section 3).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateRefreshing
	StateStopping
	StateErroring
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateRefreshing:
		return "refreshing"
	case StateStopping:
		return "stopping"
	case StateErroring:
		return "erroring"
	default:
		return "unknown"
	}
}

// DefaultLifetime is the LIFETIME requested on Allocate and Refresh
// (spec.md section 4.4).
const DefaultLifetime = 3600 * time.Second

// MinLifetime is the floor below which a server-granted LIFETIME is
// treated as a protocol error (spec.md section 4.4).
const MinLifetime = 120 * time.Second

// permissionRefreshInterval and channelRefreshInterval are the periodic
// re-issue intervals of spec.md section 4.4.
const (
	permissionRefreshInterval = 4 * time.Minute
	channelRefreshInterval    = 9 * time.Minute
)

// Credentials supplies long-term-auth parameters. Realm and Nonce are
// learned from the server's 401 challenge and updated by the pool's retry
// path; callers only need to set Username/Password up front.
type Credentials struct {
	Username string
	Password string
}

// Handlers are the events an Allocation raises. All are optional; a nil
// handler is simply not called.
type Handlers struct {
	OnRelayedAddress   func(ip net.IP, port int)
	OnMappedAddress    func(ip net.IP, port int)
	OnError            func(*icerr.Error)
	// OnPeerData is invoked for both ChannelData and Data-indication
	// payloads once decoded, with the originating peer address.
	OnPeerData func(peerIP net.IP, peerPort int, data []byte)
}

// Allocation manages one relayed TURN allocation: Allocate/Refresh/
// CreatePermission/ChannelBind and the peer-data encode/decode that rides
// on it (spec.md section 4.4, C4).
type Allocation struct {
	pool       *stun.Pool
	serverAddr net.Addr
	creds      Credentials
	log        logging.LeveledLogger
	handlers   Handlers

	mu                      sync.Mutex
	state                   State
	lifetime                time.Duration
	relayedIP               net.IP
	relayedPort             int
	mappedIP                net.IP
	mappedPort              int
	dontFragmentUnsupported bool
	realm, nonce            string

	permissions map[string]*permission
	channels    map[string]*channelBinding // keyed by peer
	channelNums map[uint16]bool

	refreshTimer *time.Timer

	queued map[string][]queuedWrite // peer IP -> payloads withheld until permission confirmed
}

type queuedWrite struct {
	port int
	data []byte
}

type permission struct {
	ip      net.IP
	active  bool
	pending bool
	timer   *time.Timer
}

type channelBinding struct {
	number  uint16
	ip      net.IP
	port    int
	active  bool
	timer   *time.Timer
}

// NewAllocation creates an Allocation that issues transactions through
// pool to serverAddr. loggerFactory may be nil.
func NewAllocation(pool *stun.Pool, serverAddr net.Addr, creds Credentials, handlers Handlers, loggerFactory logging.LoggerFactory) *Allocation {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Allocation{
		pool:        pool,
		serverAddr:  serverAddr,
		creds:       creds,
		log:         loggerFactory.NewLogger("turn"),
		handlers:    handlers,
		permissions: make(map[string]*permission),
		channels:    make(map[string]*channelBinding),
		channelNums: make(map[uint16]bool),
		queued:      make(map[string][]queuedWrite),
	}
}

func peerKey(ip net.IP, port int) string {
	return net.JoinHostPort(ip.String(), itoa(port))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Allocate sends an Allocate request, retrying once without DONT-FRAGMENT
// if the server previously rejected it with 420 Unknown-Attribute, and
// schedules the refresh timer on success (spec.md section 4.4).
func (a *Allocation) Allocate() error {
	a.mu.Lock()
	a.state = StateStarting
	a.mu.Unlock()

	resp, err := a.sendAllocate()
	if err != nil {
		code := 0
		if resp != nil {
			code, _ = errorCode(resp)
		}
		if code == 420 && !a.dontFragmentUnsupported {
			// 420 Unknown-Attribute on DONT-FRAGMENT: retry once without it.
			a.mu.Lock()
			a.dontFragmentUnsupported = true
			a.mu.Unlock()
			resp, err = a.sendAllocate()
		}
		if err != nil {
			a.fail(err)
			return err
		}
	}

	return a.applyAllocateSuccess(resp)
}

func (a *Allocation) sendAllocate() (*stun.Message, error) {
	req, err := stun.NewMessage(stun.ClassRequest, stun.MethodAllocate)
	if err != nil {
		return nil, icerr.New(icerr.Generic, err)
	}
	req.Add(stun.AttrLifetime, uint32Bytes(uint32(DefaultLifetime.Seconds())))
	req.Add(stun.AttrRequestedTransport, []byte{17, 0, 0, 0}) // UDP = 17
	a.mu.Lock()
	skipDF := a.dontFragmentUnsupported
	key := a.authKey()
	a.mu.Unlock()
	if !skipDF {
		req.Add(stun.AttrDontFragment, nil)
	}

	resp, err := a.pool.RoundTrip(req, a.serverAddr, stun.RoundTripOptions{
		EncodeOptions: stun.EncodeOptions{Key: key, Fingerprint: true},
		NeedAuth:      a.needAuth,
	})
	if err != nil {
		return nil, classifyTransactionError(err)
	}
	if resp.Class == stun.ClassErrorResponse {
		return resp, classifyErrorResponse(resp)
	}
	return resp, nil
}

func (a *Allocation) applyAllocateSuccess(resp *stun.Message) error {
	lifetimeAttr, ok := resp.Get(stun.AttrLifetime)
	if !ok || len(lifetimeAttr.Value) != 4 {
		err := icerr.New(icerr.Protocol, nil)
		a.fail(err)
		return err
	}
	secs := beUint32(lifetimeAttr.Value)
	if secs < uint32(MinLifetime.Seconds()) {
		err := icerr.New(icerr.Protocol, nil)
		a.fail(err)
		return err
	}

	relayedIP, relayedPort, err := resp.GetXorRelayedAddress()
	if err != nil {
		ierr := icerr.New(icerr.Protocol, err)
		a.fail(ierr)
		return ierr
	}
	mappedIP, mappedPort, _ := resp.GetXorMappedAddress()

	a.mu.Lock()
	a.state = StateStarted
	a.lifetime = time.Duration(secs) * time.Second
	a.relayedIP, a.relayedPort = relayedIP, relayedPort
	a.mappedIP, a.mappedPort = mappedIP, mappedPort
	a.scheduleRefreshLocked()
	a.mu.Unlock()

	if a.handlers.OnRelayedAddress != nil {
		a.handlers.OnRelayedAddress(relayedIP, relayedPort)
	}
	if mappedIP != nil && a.handlers.OnMappedAddress != nil {
		a.handlers.OnMappedAddress(mappedIP, mappedPort)
	}
	return nil
}

// scheduleRefreshLocked arms the refresh timer for (lifetime - 60s) from
// now; caller holds a.mu.
func (a *Allocation) scheduleRefreshLocked() {
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
	}
	delay := a.lifetime - 60*time.Second
	if delay < 0 {
		delay = 0
	}
	a.refreshTimer = time.AfterFunc(delay, a.refreshTick)
}

func (a *Allocation) refreshTick() {
	a.mu.Lock()
	if a.state != StateStarted {
		a.mu.Unlock()
		return
	}
	a.state = StateRefreshing
	a.mu.Unlock()

	if err := a.Refresh(DefaultLifetime); err != nil {
		a.fail(err)
	}
}

// Refresh issues a Refresh request with the given lifetime (spec.md
// section 4.4: "Periodic Refresh with LIFETIME=3600. On error, stop.").
func (a *Allocation) Refresh(lifetime time.Duration) error {
	req, err := stun.NewMessage(stun.ClassRequest, stun.MethodRefresh)
	if err != nil {
		return icerr.New(icerr.Generic, err)
	}
	req.Add(stun.AttrLifetime, uint32Bytes(uint32(lifetime.Seconds())))

	a.mu.Lock()
	key := a.authKey()
	a.mu.Unlock()

	resp, err := a.pool.RoundTrip(req, a.serverAddr, stun.RoundTripOptions{
		EncodeOptions: stun.EncodeOptions{Key: key, Fingerprint: true},
		NeedAuth:      a.needAuth,
	})
	if err != nil {
		return classifyTransactionError(err)
	}
	if resp.Class == stun.ClassErrorResponse {
		return classifyErrorResponse(resp)
	}

	a.mu.Lock()
	a.state = StateStarted
	a.lifetime = lifetime
	a.scheduleRefreshLocked()
	a.mu.Unlock()
	return nil
}

// Stop deallocates with LIFETIME=0, ignoring 437 (spec.md section 4.4).
func (a *Allocation) Stop() {
	a.mu.Lock()
	a.state = StateStopping
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
	}
	key := a.authKey()
	a.mu.Unlock()

	req, err := stun.NewMessage(stun.ClassRequest, stun.MethodRefresh)
	if err == nil {
		req.Add(stun.AttrLifetime, uint32Bytes(0))
		_, _ = a.pool.RoundTrip(req, a.serverAddr, stun.RoundTripOptions{
			EncodeOptions: stun.EncodeOptions{Key: key, Fingerprint: true},
		})
	}

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
}

func (a *Allocation) fail(err error) {
	a.mu.Lock()
	a.state = StateErroring
	a.mu.Unlock()
	if a.handlers.OnError != nil {
		ierr, ok := err.(*icerr.Error)
		if !ok {
			ierr = icerr.New(icerr.Generic, err)
		}
		a.handlers.OnError(ierr)
	}
}

// needAuth supplies the MESSAGE-INTEGRITY key once a 401/438 challenge
// names a realm and nonce, per spec.md section 4.2's long-term-auth retry.
func (a *Allocation) needAuth(params stun.AuthParams) ([]byte, bool) {
	a.mu.Lock()
	a.realm = params.Realm
	a.nonce = params.Nonce
	a.mu.Unlock()
	if a.creds.Username == "" {
		return nil, false
	}
	return stun.LongTermKey(a.creds.Username, params.Realm, a.creds.Password), true
}

func (a *Allocation) authKey() []byte {
	if a.creds.Username == "" || a.realm == "" {
		return nil
	}
	return stun.LongTermKey(a.creds.Username, a.realm, a.creds.Password)
}

func uint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
