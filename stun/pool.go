package stun

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Pool default timer parameters (RFC 5389 section 7.2.1, carried forward
// by spec.md section 4.2): initial RTO, retransmit count Rc, and the final
// wait Rm·RTO after the last retransmit before giving up.
const (
	DefaultRTO           = 500 * time.Millisecond
	DefaultRetransmits   = 7
	DefaultRmMultiplier  = 16
)

// Outcome is delivered to a transaction's callback exactly once.
type Outcome struct {
	Response *Message
	Err      error
}

// AuthParams carries the REALM/NONCE pair learned from a 401/438
// challenge, so a caller can retry the same request with long-term
// credentials (spec.md section 4.2).
type AuthParams struct {
	Realm string
	Nonce string
}

// NeedAuthFunc is invoked when a transaction's response is a 401
// (Unauthorized) or 438 (Stale Nonce) error carrying REALM/NONCE, giving
// the caller a chance to supply long-term credentials and have the
// request retried with MESSAGE-INTEGRITY. Returning ok=false abandons the
// transaction with the original error response.
type NeedAuthFunc func(params AuthParams) (key []byte, ok bool)

// transaction is one in-flight request awaiting a matching response.
type transaction struct {
	id          TransactionID
	raw         []byte // retransmitted verbatim except for auth retries
	dest        net.Addr
	retries     int
	timer       *time.Timer
	rto         time.Duration
	outcome     chan Outcome
	needAuth    NeedAuthFunc
	retriedAuth bool
	cancel      chan struct{}
}

// Transport is the minimal send primitive a Pool needs; both a UDP
// net.PacketConn and a framed TCP/TLS stream satisfy it through a small
// adapter (see turn.streamTransport).
type Transport interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Pool is a STUN client transaction pool: it owns retransmission timers
// for outstanding requests and dispatches responses arriving on a shared
// socket back to their originating caller. One Pool is normally shared by
// every STUN/TURN exchange on a given local candidate's socket, matching
// pion/ice's one-agent-one-pending-set discipline (see DESIGN.md).
type Pool struct {
	log logging.LeveledLogger

	mu           sync.Mutex
	transactions map[TransactionID]*transaction
	transport    Transport
	closed       bool
}

// NewPool creates a Pool writing requests through transport. loggerFactory
// may be nil, in which case logging.NewDefaultLoggerFactory() is used
// (spec.md's ambient-logging convention, see SPEC_FULL.md).
func NewPool(transport Transport, loggerFactory logging.LoggerFactory) *Pool {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Pool{
		log:          loggerFactory.NewLogger("stun"),
		transactions: make(map[TransactionID]*transaction),
		transport:    transport,
	}
}

// RoundTripOptions configures a single request/response exchange.
type RoundTripOptions struct {
	EncodeOptions
	RTO         time.Duration
	Retransmits int
	NeedAuth    NeedAuthFunc
}

// RoundTrip sends req to dest and blocks until a matching response
// arrives, the retransmission schedule is exhausted, the transaction is
// canceled via Pool.Cancel with its id, or the pool is closed. It implements
// the client state machine of spec.md section 4.2: exponential-backoff
// retransmission, and a single long-term-auth challenge/retry when
// opts.NeedAuth is set and the first response is 401 or 438.
func (p *Pool) RoundTrip(req *Message, dest net.Addr, opts RoundTripOptions) (*Message, error) {
	if opts.RTO == 0 {
		opts.RTO = DefaultRTO
	}
	if opts.Retransmits == 0 {
		opts.Retransmits = DefaultRetransmits
	}

	raw, err := Encode(req, opts.EncodeOptions)
	if err != nil {
		return nil, err
	}

	tx := &transaction{
		id:       req.TransactionID,
		raw:      raw,
		dest:     dest,
		rto:      opts.RTO,
		outcome:  make(chan Outcome, 1),
		needAuth: opts.NeedAuth,
		cancel:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrFormat
	}
	p.transactions[tx.id] = tx
	p.mu.Unlock()

	p.sendAndSchedule(tx, opts.Retransmits)

	outcome := <-tx.outcome
	return outcome.Response, outcome.Err
}

// CanceledError is the outcome delivered to RoundTrip's caller when its
// transaction is abandoned via Cancel before a response or timeout.
type CanceledError struct{ Dest net.Addr }

func (e *CanceledError) Error() string { return "stun: transaction canceled" }

// Cancel abandons a pending request matched by id and unblocks its
// RoundTrip call with a CanceledError, so a caller superseding an
// in-flight check (e.g. a triggered check) doesn't leak the goroutine
// blocked on that outcome.
func (p *Pool) Cancel(id TransactionID) {
	p.mu.Lock()
	tx, ok := p.transactions[id]
	if ok {
		delete(p.transactions, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}
	tx.outcome <- Outcome{Err: &CanceledError{Dest: tx.dest}}
}

// HandleInbound routes a response arriving on the shared socket. It
// returns true if the message matched an outstanding transaction (and was
// consumed), false if the caller should handle it itself (e.g. it is an
// indication, or a fresh request from a peer).
func (p *Pool) HandleInbound(resp *Message) bool {
	if resp.Class != ClassSuccessResponse && resp.Class != ClassErrorResponse {
		return false
	}

	p.mu.Lock()
	tx, ok := p.transactions[resp.TransactionID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	if resp.Class == ClassErrorResponse && tx.needAuth != nil && !tx.retriedAuth {
		if params, isChallenge := challengeParams(resp); isChallenge {
			if key, retry := tx.needAuth(params); retry {
				p.retryWithAuth(tx, resp, params, key)
				return true
			}
		}
	}

	p.mu.Lock()
	delete(p.transactions, resp.TransactionID)
	p.mu.Unlock()
	if tx.timer != nil {
		tx.timer.Stop()
	}
	tx.outcome <- Outcome{Response: resp}
	return true
}

// challengeParams extracts REALM/NONCE from a 401 or 438 error response.
func challengeParams(resp *Message) (AuthParams, bool) {
	code, ok := errorCode(resp)
	if !ok || (code != 401 && code != 438) {
		return AuthParams{}, false
	}
	realm, ok := resp.Get(AttrRealm)
	if !ok {
		return AuthParams{}, false
	}
	nonce, ok := resp.Get(AttrNonce)
	if !ok {
		return AuthParams{}, false
	}
	return AuthParams{Realm: string(realm.Value), Nonce: string(nonce.Value)}, true
}

// errorCode decodes the ERROR-CODE attribute's class/number into a single
// three-digit code (RFC 5389 section 15.6).
func errorCode(m *Message) (int, bool) {
	a, ok := m.Get(AttrErrorCode)
	if !ok || len(a.Value) < 4 {
		return 0, false
	}
	class := int(a.Value[2] & 0x7)
	number := int(a.Value[3])
	return class*100 + number, true
}

// retryWithAuth rebuilds the original request with USERNAME/REALM/NONCE
// and a MESSAGE-INTEGRITY computed with key, then restarts the
// retransmission schedule once (spec.md section 4.2: one automatic retry
// per challenge).
func (p *Pool) retryWithAuth(tx *transaction, challenge *Message, params AuthParams, key []byte) {
	tx.retriedAuth = true
	if tx.timer != nil {
		tx.timer.Stop()
	}

	old, err := rawDecode(tx.raw)
	if err != nil {
		p.failTransaction(tx, err)
		return
	}

	// The retried request is a new transaction (RFC 5389 section 10.2.1.1):
	// it gets a fresh transaction id, under which the pool now tracks it.
	newID, err := GenerateTransactionID()
	if err != nil {
		p.failTransaction(tx, err)
		return
	}
	p.mu.Lock()
	delete(p.transactions, tx.id)
	tx.id = newID
	p.transactions[newID] = tx
	p.mu.Unlock()

	rebuilt := &Message{Class: old.Class, Method: old.Method, TransactionID: newID}
	for _, a := range old.Attributes {
		switch a.Type {
		case AttrMessageIntegrity, AttrFingerprint, AttrRealm, AttrNonce:
			continue
		default:
			rebuilt.Attributes = append(rebuilt.Attributes, a)
		}
	}
	rebuilt.Add(AttrRealm, []byte(params.Realm))
	rebuilt.Add(AttrNonce, []byte(params.Nonce))

	raw, err := Encode(rebuilt, EncodeOptions{Key: key, Fingerprint: true})
	if err != nil {
		p.failTransaction(tx, err)
		return
	}

	tx.raw = raw
	p.sendAndSchedule(tx, DefaultRetransmits)
}

func (p *Pool) failTransaction(tx *transaction, err error) {
	p.mu.Lock()
	delete(p.transactions, tx.id)
	p.mu.Unlock()
	tx.outcome <- Outcome{Err: err}
}

// sendAndSchedule writes tx.raw and arms the exponential-backoff
// retransmission timer, per RFC 5389 section 7.2.1: RTO, 2·RTO, 4·RTO,
// ... up to retransmits attempts, then one final Rm·RTO wait before
// timing out.
func (p *Pool) sendAndSchedule(tx *transaction, retransmits int) {
	if _, err := p.transport.WriteTo(tx.raw, tx.dest); err != nil {
		p.log.Debugf("stun: write to %s failed: %v", tx.dest, err)
	}

	interval := tx.rto
	tx.timer = time.AfterFunc(interval, func() {
		p.onTimer(tx, retransmits, 1, interval)
	})
}

func (p *Pool) onTimer(tx *transaction, retransmits, attempt int, lastInterval time.Duration) {
	p.mu.Lock()
	_, stillPending := p.transactions[tx.id]
	p.mu.Unlock()
	if !stillPending {
		return
	}

	if attempt >= retransmits {
		// Every retransmit has been sent (attempt == retransmits-1, below)
		// and the final Rm*RTO wait has now elapsed with no response.
		p.mu.Lock()
		delete(p.transactions, tx.id)
		p.mu.Unlock()
		tx.outcome <- Outcome{Err: &TimeoutError{Dest: tx.dest}}
		return
	}

	if _, err := p.transport.WriteTo(tx.raw, tx.dest); err != nil {
		p.log.Debugf("stun: write to %s failed: %v", tx.dest, err)
	}

	if attempt == retransmits-1 {
		// That was the Rc-th and last outgoing send (the initial send plus
		// attempts 1..retransmits-1 retransmissions totals retransmits
		// events, per spec.md section 4.2 Scenario E): wait Rm*RTO, off the
		// base RTO rather than the doubled interval, before failing.
		tx.timer = time.AfterFunc(tx.rto*DefaultRmMultiplier, func() {
			p.onTimer(tx, retransmits, retransmits, lastInterval)
		})
		return
	}

	next := lastInterval * 2
	tx.timer = time.AfterFunc(next, func() {
		p.onTimer(tx, retransmits, attempt+1, next)
	})
}

// Transport returns the underlying send primitive, for callers (e.g. the
// turn package) that need to write frames outside the request/response
// model, such as ChannelData and Send indications.
func (p *Pool) Transport() Transport {
	return p.transport
}

// Close fails every pending transaction with a TimeoutError, and makes
// later RoundTrip calls fail with ErrFormat; callers shutting down an agent
// use this to unblock any RoundTrip calls still waiting.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	pending := p.transactions
	p.transactions = make(map[TransactionID]*transaction)
	p.mu.Unlock()

	for _, tx := range pending {
		if tx.timer != nil {
			tx.timer.Stop()
		}
		tx.outcome <- Outcome{Err: &TimeoutError{Dest: tx.dest}}
	}
}

// TimeoutError is returned when a transaction exhausts its retransmission
// schedule without a matching response.
type TimeoutError struct {
	Dest net.Addr
}

func (e *TimeoutError) Error() string {
	return "stun: transaction to " + e.Dest.String() + " timed out"
}
