package turn

import (
	"github.com/psi-plus/iceagent/icerr"
	"github.com/psi-plus/iceagent/stun"
)

// classifyTransactionError maps a stun.Pool failure onto the taxonomy of
// icerr.Kind (spec.md section 7).
func classifyTransactionError(err error) error {
	if _, ok := err.(*stun.TimeoutError); ok {
		return icerr.New(icerr.Timeout, err)
	}
	return icerr.New(icerr.Generic, err)
}

// classifyErrorResponse maps a STUN/TURN ERROR-CODE response onto
// icerr.Kind per spec.md section 4.4 and section 7:
// 437 -> Mismatch, 508 -> Capacity, 401 -> Auth, 403 -> handled by callers
// that need to treat it as a soft removal rather than a hard error,
// everything else -> Rejected (or Protocol for malformed responses).
func classifyErrorResponse(resp *stun.Message) error {
	code, ok := errorCode(resp)
	if !ok {
		return icerr.New(icerr.Protocol, nil)
	}
	switch code {
	case 437:
		return icerr.New(icerr.Mismatch, nil)
	case 508:
		return icerr.New(icerr.Capacity, nil)
	case 401:
		return icerr.New(icerr.Auth, nil)
	default:
		return icerr.New(icerr.Rejected, nil)
	}
}

// errorCode extracts the numeric ERROR-CODE (e.g. 437, 508) from a STUN
// error response, per RFC 5389 section 15.6.
func errorCode(m *stun.Message) (int, bool) {
	a, ok := m.Get(stun.AttrErrorCode)
	if !ok || len(a.Value) < 4 {
		return 0, false
	}
	class := int(a.Value[2] & 0x7)
	number := int(a.Value[3])
	return class*100 + number, true
}
