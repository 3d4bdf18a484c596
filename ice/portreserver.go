package ice

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"
)

// drainPollInterval bounds how long a reserved-but-not-lent socket's drain
// loop blocks in one Read call, so Close/lend can interrupt it promptly.
const drainPollInterval = 200 * time.Millisecond

// reservedSocket is one (port, address) UDP socket held by a PortReserver.
type reservedSocket struct {
	addr string
	conn *net.UDPConn
	stop chan struct{}
	done chan struct{}
}

// portItem is every socket bound to one port, across every configured
// address.
type portItem struct {
	port      int
	sockets   map[string]*reservedSocket // keyed by address string
	lent      bool
	lentAddrs map[string]bool
}

func (i *portItem) hasAddress(addr string) bool {
	_, ok := i.sockets[addr]
	return ok
}

// PortReserver pre-binds UDP sockets on every configured local address
// across a contiguous port range and lends them out in aligned runs,
// draining unsolicited traffic on any socket while it is held in reserve
// (spec.md section 4.9, C9).
type PortReserver struct {
	mu    sync.Mutex
	log   logging.LeveledLogger
	addrs []net.IP
	ports []int
	items []*portItem
}

// NewPortReserver creates a reserver with no addresses or ports configured;
// call SetAddresses and SetPortRange (or SetPorts) to begin binding.
func NewPortReserver(loggerFactory logging.LoggerFactory) *PortReserver {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &PortReserver{log: loggerFactory.NewLogger("ice")}
}

// SetAddresses replaces the set of local addresses every reserved port must
// be bound on, (re)binding and cleaning up as needed.
func (r *PortReserver) SetAddresses(addrs []net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs = addrs
	r.tryBindLocked()
	r.tryCleanupLocked()
}

// SetPortRange reserves [start, start+count).
func (r *PortReserver) SetPortRange(start, count int) {
	ports := make([]int, count)
	for i := 0; i < count; i++ {
		ports[i] = start + i
	}
	r.SetPorts(ports)
}

// SetPorts replaces the set of ports under reservation.
func (r *PortReserver) SetPorts(ports []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := append([]int{}, ports...)
	sort.Ints(sorted)
	r.ports = sorted

	existing := make(map[int]bool, len(r.items))
	for _, it := range r.items {
		existing[it.port] = true
	}
	for _, p := range sorted {
		if existing[p] {
			continue
		}
		r.items = append(r.items, &portItem{port: p, sockets: make(map[string]*reservedSocket), lentAddrs: make(map[string]bool)})
	}
	sort.Slice(r.items, func(i, j int) bool { return r.items[i].port < r.items[j].port })

	r.tryBindLocked()
	r.tryCleanupLocked()
}

func (r *PortReserver) wantsPort(port int) bool {
	for _, p := range r.ports {
		if p == port {
			return true
		}
	}
	return false
}

// tryBindLocked binds a fresh socket for every (port, address) combination
// not yet held, for every port still under reservation.
func (r *PortReserver) tryBindLocked() {
	for _, item := range r.items {
		if !r.wantsPort(item.port) {
			continue
		}
		for _, ip := range r.addrs {
			addr := ip.String()
			if item.hasAddress(addr) {
				continue
			}
			conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: item.port})
			if err != nil {
				r.log.Debugf("ice: port reserver failed to bind %s:%d: %v", addr, item.port, err)
				continue
			}
			rs := &reservedSocket{addr: addr, conn: conn, stop: make(chan struct{}), done: make(chan struct{})}
			item.sockets[addr] = rs
			go r.drainLoop(rs)
		}
	}
}

// tryCleanupLocked drops ports no longer wanted (once not on loan) and
// sockets for addresses no longer configured.
func (r *PortReserver) tryCleanupLocked() {
	kept := r.items[:0]
	for _, item := range r.items {
		if !item.lent && !r.wantsPort(item.port) {
			for _, rs := range item.sockets {
				close(rs.stop)
				_ = rs.conn.Close()
			}
			continue
		}
		for addr, rs := range item.sockets {
			if !r.hasConfiguredAddr(addr) && !item.lentAddrs[addr] {
				close(rs.stop)
				_ = rs.conn.Close()
				delete(item.sockets, addr)
			}
		}
		kept = append(kept, item)
	}
	r.items = kept
}

func (r *PortReserver) hasConfiguredAddr(addr string) bool {
	for _, ip := range r.addrs {
		if ip.String() == addr {
			return true
		}
	}
	return false
}

// drainLoop discards unsolicited datagrams arriving on a reserved-but-not-
// yet-lent socket (spec.md section 4.9).
func (r *PortReserver) drainLoop(rs *reservedSocket) {
	defer close(rs.done)
	buf := make([]byte, 1500)
	for {
		select {
		case <-rs.stop:
			return
		default:
		}
		_ = rs.conn.SetReadDeadline(time.Now().Add(drainPollInterval))
		_, _, err := rs.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

// isReserved reports whether item is bound on every configured address —
// the spec.md section 4.9 invariant.
func (r *PortReserver) isReserved(item *portItem) bool {
	if len(r.addrs) == 0 {
		return false
	}
	for _, ip := range r.addrs {
		if !item.hasAddress(ip.String()) {
			return false
		}
	}
	return true
}

// ReservedAll reports whether every wanted port is fully reserved.
func (r *PortReserver) ReservedAll() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.items {
		if !r.wantsPort(item.port) {
			continue
		}
		if !r.isReserved(item) {
			return false
		}
	}
	return true
}

func (r *PortReserver) isConsecutive(at, count int) bool {
	if at+count > len(r.items) {
		return false
	}
	for n := 0; n < count; n++ {
		item := r.items[at+n]
		if item.lent || !r.isReserved(item) {
			return false
		}
		if n > 0 && item.port != r.items[at+n-1].port+1 {
			return false
		}
	}
	return true
}

func (r *PortReserver) findConsecutive(count, align int) int {
	for n := 0; n+count <= len(r.items); n += align {
		if r.isConsecutive(n, count) {
			return n
		}
	}
	return -1
}

// lendItem marks item on loan and returns one *net.UDPConn per configured
// address, in the same order as r.addrs, stopping each socket's drain loop
// first so the new owner sees its traffic.
func (r *PortReserver) lendItem(item *portItem) []*net.UDPConn {
	item.lent = true
	out := make([]*net.UDPConn, 0, len(item.sockets))
	for _, ip := range r.addrs {
		addr := ip.String()
		rs, ok := item.sockets[addr]
		if !ok {
			continue
		}
		item.lentAddrs[addr] = true
		close(rs.stop)
		<-rs.done
		out = append(out, rs.conn)
	}
	return out
}

// BorrowSockets returns count*len(addresses) sockets — one per (port,
// address) pair across count ports — preferring a consecutive, aligned run
// and splitting recursively into smaller runs when no single run of that
// size is free (spec.md section 4.9).
func (r *PortReserver) BorrowSockets(count int) []*net.UDPConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.borrowSocketsLocked(count)
}

func (r *PortReserver) borrowSocketsLocked(count int) []*net.UDPConn {
	if count <= 0 {
		return nil
	}
	var out []*net.UDPConn

	if count > 1 {
		for align := count; align >= 2; align /= 2 {
			at := r.findConsecutive(count, align)
			if at == -1 {
				continue
			}
			for n := 0; n < count; n++ {
				out = append(out, r.lendItem(r.items[at+n])...)
			}
			return out
		}

		first := count/2 + count%2
		second := count / 2
		out = append(out, r.borrowSocketsLocked(first)...)
		out = append(out, r.borrowSocketsLocked(second)...)
		return out
	}

	at := r.findConsecutive(1, 1)
	if at == -1 {
		return nil
	}
	return r.lendItem(r.items[at])
}

// ReturnSockets re-parents previously borrowed sockets back into the
// reserver's keeping and resumes draining them.
func (r *PortReserver) ReturnSockets(socks []*net.UDPConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conn := range socks {
		item, rs := r.findBySocket(conn)
		if item == nil {
			continue
		}
		rs.stop = make(chan struct{})
		rs.done = make(chan struct{})
		go r.drainLoop(rs)

		delete(item.lentAddrs, rs.addr)
		if len(item.lentAddrs) == 0 {
			item.lent = false
		}
	}

	r.tryCleanupLocked()
}

func (r *PortReserver) findBySocket(conn *net.UDPConn) (*portItem, *reservedSocket) {
	for _, item := range r.items {
		for _, rs := range item.sockets {
			if rs.conn == conn {
				return item, rs
			}
		}
	}
	return nil, nil
}

// Close releases every socket the reserver holds. It must not be called
// while any socket is out on loan (spec.md section 5's "Shared resources").
func (r *PortReserver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.items {
		for _, rs := range item.sockets {
			// a lent item's drain loop was already stopped by lendItem;
			// closing rs.stop again would panic.
			if !item.lent {
				close(rs.stop)
			}
			_ = rs.conn.Close()
		}
	}
	r.items = nil
}
