package turn

import (
	"net"
	"time"

	"github.com/psi-plus/iceagent/stun"
)

// SetPermissions diffs the requested set of peer IPs against the current
// permission set: new IPs spawn a CreatePermission sub-task, removed ones
// are deleted locally (spec.md section 4.4).
func (a *Allocation) SetPermissions(ips []net.IP) {
	want := make(map[string]net.IP, len(ips))
	for _, ip := range ips {
		want[ip.String()] = ip
	}

	a.mu.Lock()
	var toAdd []net.IP
	for key, ip := range want {
		if _, exists := a.permissions[key]; !exists {
			toAdd = append(toAdd, ip)
		}
	}
	for key := range a.permissions {
		if _, keep := want[key]; !keep {
			p := a.permissions[key]
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(a.permissions, key)
		}
	}
	for _, ip := range toAdd {
		a.permissions[ip.String()] = &permission{ip: ip, pending: true}
	}
	a.mu.Unlock()

	for _, ip := range toAdd {
		go a.createPermission(ip)
	}
}

func (a *Allocation) createPermission(ip net.IP) {
	req, err := stun.NewMessage(stun.ClassRequest, stun.MethodCreatePermission)
	if err != nil {
		return
	}
	req.SetXorPeerAddress(ip, 0)

	a.mu.Lock()
	key := a.authKey()
	a.mu.Unlock()

	resp, err := a.pool.RoundTrip(req, a.serverAddr, stun.RoundTripOptions{
		EncodeOptions: stun.EncodeOptions{Key: key, Fingerprint: true},
		NeedAuth:      a.needAuth,
	})

	a.mu.Lock()
	p, ok := a.permissions[ip.String()]
	if !ok {
		a.mu.Unlock()
		return
	}

	if err != nil {
		delete(a.permissions, ip.String())
		a.mu.Unlock()
		return
	}

	if resp.Class == stun.ClassErrorResponse {
		code, _ := errorCode(resp)
		switch code {
		case 403:
			// 403 Forbidden removes the permission silently.
			delete(a.permissions, ip.String())
		case 508:
			// 508 keeps it pending; nothing re-issues the request when
			// another permission frees, so it stays pending until removed.
			p.pending = true
		default:
			delete(a.permissions, ip.String())
		}
		a.mu.Unlock()
		return
	}

	p.active = true
	p.pending = false
	p.timer = time.AfterFunc(permissionRefreshInterval, func() { a.refreshPermission(ip) })
	a.mu.Unlock()

	a.flushQueued(ip)
}

func (a *Allocation) refreshPermission(ip net.IP) {
	a.mu.Lock()
	_, ok := a.permissions[ip.String()]
	a.mu.Unlock()
	if !ok {
		return
	}
	a.createPermission(ip)
}

func (a *Allocation) hasActivePermission(ip net.IP) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.permissions[ip.String()]
	return ok && p.active
}

// AddChannelPeer installs a TURN channel binding for peer (ip, port),
// provided an active permission already exists for ip (spec.md section
// 4.4: "Installed only if a permission already exists for the peer IP").
func (a *Allocation) AddChannelPeer(ip net.IP, port int) {
	if !a.hasActivePermission(ip) {
		return
	}

	key := peerKey(ip, port)
	a.mu.Lock()
	if _, exists := a.channels[key]; exists {
		a.mu.Unlock()
		return
	}
	number, ok := a.nextChannelNumberLocked()
	if !ok {
		a.mu.Unlock()
		return
	}
	a.channelNums[number] = true
	cb := &channelBinding{number: number, ip: ip, port: port}
	a.channels[key] = cb
	a.mu.Unlock()

	go a.channelBind(cb)
}

// nextChannelNumberLocked scans for the lowest free channel number in
// [0x4000, 0x7FFF] (spec.md section 4.4: "allocated by linear scan for the
// lowest free value"). Caller holds a.mu.
func (a *Allocation) nextChannelNumberLocked() (uint16, bool) {
	for n := ChannelNumberMin; n <= ChannelNumberMax; n++ {
		if !a.channelNums[n] {
			return n, true
		}
		if n == ChannelNumberMax {
			break
		}
	}
	return 0, false
}

func (a *Allocation) channelBind(cb *channelBinding) {
	req, err := stun.NewMessage(stun.ClassRequest, stun.MethodChannelBind)
	if err != nil {
		return
	}
	req.Add(stun.AttrChannelNumber, []byte{byte(cb.number >> 8), byte(cb.number), 0, 0})
	req.SetXorPeerAddress(cb.ip, cb.port)

	a.mu.Lock()
	key := a.authKey()
	a.mu.Unlock()

	resp, err := a.pool.RoundTrip(req, a.serverAddr, stun.RoundTripOptions{
		EncodeOptions: stun.EncodeOptions{Key: key, Fingerprint: true},
		NeedAuth:      a.needAuth,
	})

	pk := peerKey(cb.ip, cb.port)
	if err != nil || resp.Class == stun.ClassErrorResponse {
		// "A failed channel-bind downgrades traffic for that peer to Send
		// indication encoding silently" (spec.md section 7).
		a.mu.Lock()
		delete(a.channels, pk)
		delete(a.channelNums, cb.number)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	cb.active = true
	cb.timer = time.AfterFunc(channelRefreshInterval, func() { a.refreshChannel(cb) })
	a.mu.Unlock()
}

func (a *Allocation) refreshChannel(cb *channelBinding) {
	a.mu.Lock()
	_, ok := a.channels[peerKey(cb.ip, cb.port)]
	a.mu.Unlock()
	if !ok {
		return
	}
	a.channelBind(cb)
}

func (a *Allocation) activeChannelFor(ip net.IP, port int) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.channels[peerKey(ip, port)]
	if !ok || !cb.active {
		return 0, false
	}
	return cb.number, true
}

// Write sends data to the peer (ip, port), using ChannelData framing if a
// channel is active, else a Send indication. If no permission exists yet
// for ip, the write is queued and flushed once the permission is
// confirmed (spec.md section 4.4, Scenario D).
func (a *Allocation) Write(ip net.IP, port int, data []byte) error {
	if !a.hasActivePermission(ip) {
		key := ip.String()
		a.mu.Lock()
		a.queued[key] = append(a.queued[key], queuedWrite{port: port, data: append([]byte{}, data...)})
		_, exists := a.permissions[key]
		if !exists {
			a.permissions[key] = &permission{ip: ip, pending: true}
		}
		a.mu.Unlock()
		if !exists {
			go a.createPermission(ip)
		}
		return nil
	}
	return a.writeNow(ip, port, data)
}

func (a *Allocation) writeNow(ip net.IP, port int, data []byte) error {
	if number, ok := a.activeChannelFor(ip, port); ok {
		_, tcp := a.pool.Transport().(*streamTransport)
		frame := EncodeChannelData(number, data, tcp)
		_, err := a.pool.Transport().WriteTo(frame, a.serverAddr)
		return err
	}

	ind, err := stun.NewMessage(stun.ClassIndication, stun.MethodSend)
	if err != nil {
		return err
	}
	ind.SetXorPeerAddress(ip, port)
	ind.Add(stun.AttrData, data)
	raw, err := stun.Encode(ind, stun.EncodeOptions{Fingerprint: true})
	if err != nil {
		return err
	}
	_, err = a.pool.Transport().WriteTo(raw, a.serverAddr)
	return err
}

func (a *Allocation) flushQueued(ip net.IP) {
	a.mu.Lock()
	pending := a.queued[ip.String()]
	delete(a.queued, ip.String())
	a.mu.Unlock()

	for _, w := range pending {
		_ = a.writeNow(ip, w.port, w.data)
	}
}

// HandleInbound decodes an inbound buffer as either a ChannelData frame or
// a Data-indication, invoking handlers.OnPeerData. It returns false if buf
// is neither (the caller should then try the STUN transaction pool).
func (a *Allocation) HandleInbound(buf []byte) bool {
	if IsChannelData(buf) {
		channel, data, ok := DecodeChannelData(buf)
		if !ok {
			return false
		}
		a.mu.Lock()
		var peerIP net.IP
		var peerPort int
		for _, cb := range a.channels {
			if cb.number == channel {
				peerIP, peerPort = cb.ip, cb.port
				break
			}
		}
		a.mu.Unlock()
		if peerIP == nil {
			return false
		}
		if a.handlers.OnPeerData != nil {
			a.handlers.OnPeerData(peerIP, peerPort, data)
		}
		return true
	}

	m, err := stun.Decode(buf, stun.DecodeOptions{})
	if err != nil || m.Class != stun.ClassIndication || m.Method != stun.MethodData {
		return false
	}
	peerIP, peerPort, err := m.GetXorPeerAddress()
	if err != nil {
		return false
	}
	dataAttr, ok := m.Get(stun.AttrData)
	if !ok {
		return false
	}
	if a.handlers.OnPeerData != nil {
		a.handlers.OnPeerData(peerIP, peerPort, dataAttr.Value)
	}
	return true
}

// Overhead returns the per-packet byte cost of sending data to a peer over
// this allocation's current encoding, for use by a media layer budgeting
// MTU (spec.md section 4.4).
func (a *Allocation) Overhead(ip net.IP, port int, tcp bool) int {
	if _, ok := a.activeChannelFor(ip, port); ok {
		if tcp {
			return 4 + 3
		}
		return 4
	}
	a.mu.Lock()
	df := !a.dontFragmentUnsupported
	a.mu.Unlock()
	if df {
		return 40 + 3
	}
	return 36 + 3
}
