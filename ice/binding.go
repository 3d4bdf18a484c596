package ice

import (
	"net"

	"github.com/psi-plus/iceagent/icerr"
	"github.com/psi-plus/iceagent/stun"
)

// BindingRequest describes a one-shot STUN Binding check (spec.md section
// 4.3, C3): PRIORITY, optional USE-CANDIDATE, the controlling/controlled
// tiebreaker attribute, and short-term credentials.
type BindingRequest struct {
	Priority      uint32
	UseCandidate  bool
	Controlling   bool
	Tiebreaker    uint64
	Username      string // "peerUfrag:localUfrag"
	Password      string // peer's password, used as the MESSAGE-INTEGRITY key
}

// IssueBinding sends a single Binding request through pool to dest and
// blocks until an outcome is available (spec.md section 4.3). The
// returned (ip, port, err) mirrors GetXorMappedAddress's shape. A 487 Role
// Conflict response sets roleConflict and returns icerr.Rejected; any other
// error response is icerr.Rejected, an exhausted retransmission schedule is
// icerr.Timeout, a success response with no mapped address is
// icerr.Protocol, and any other failure (including a canceled transaction)
// is icerr.Generic wrapping the pool's error. If onStart is non-nil it is
// called with the transaction id
// before the call blocks, so a caller can cancel the in-flight check (e.g.
// a triggered check superseding one already in progress) via pool.Cancel.
func IssueBinding(pool *stun.Pool, dest net.Addr, req BindingRequest, onStart func(stun.TransactionID)) (ip string, port int, roleConflict bool, err error) {
	m, buildErr := stun.NewMessage(stun.ClassRequest, stun.MethodBinding)
	if buildErr != nil {
		return "", 0, false, icerr.New(icerr.Generic, buildErr)
	}
	m.Add(stun.AttrPriority, beBytes(req.Priority))
	if req.UseCandidate {
		m.Add(stun.AttrUseCandidate, nil)
	}
	tb := beBytes64(req.Tiebreaker)
	if req.Controlling {
		m.Add(stun.AttrIceControlling, tb)
	} else {
		m.Add(stun.AttrIceControlled, tb)
	}
	m.Add(stun.AttrUsername, []byte(req.Username))

	if onStart != nil {
		onStart(m.TransactionID)
	}

	resp, rtErr := pool.RoundTrip(m, dest, stun.RoundTripOptions{
		EncodeOptions: stun.EncodeOptions{Key: []byte(req.Password), Fingerprint: true},
	})
	if rtErr != nil {
		return "", 0, false, classifyBindingTransactionError(rtErr)
	}

	if resp.Class == stun.ClassErrorResponse {
		code, _ := errorCodeOf(resp)
		if code == 487 {
			return "", 0, true, icerr.New(icerr.Rejected, nil)
		}
		return "", 0, false, icerr.New(icerr.Rejected, nil)
	}

	respIP, respPort, addrErr := resp.GetXorMappedAddress()
	if addrErr != nil {
		return "", 0, false, icerr.New(icerr.Protocol, addrErr)
	}
	return respIP.String(), respPort, false, nil
}

func classifyBindingTransactionError(err error) error {
	if _, ok := err.(*stun.TimeoutError); ok {
		return icerr.New(icerr.Timeout, err)
	}
	return icerr.New(icerr.Generic, err)
}

func errorCodeOf(m *stun.Message) (int, bool) {
	a, ok := m.Get(stun.AttrErrorCode)
	if !ok || len(a.Value) < 4 {
		return 0, false
	}
	class := int(a.Value[2] & 0x7)
	number := int(a.Value[3])
	return class*100 + number, true
}

func beBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func beBytes64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}
