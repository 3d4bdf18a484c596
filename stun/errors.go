package stun

import "errors"

// Errors returned by the codec and transaction layers. These are the wire
// and protocol errors named in spec.md's error taxonomy (Protocol/Timeout
// bucket); higher layers (ice, turn) wrap these with more context.
var (
	// ErrFormat is returned when a buffer is not a syntactically valid STUN
	// message: too short, bad cookie, bad length, or reserved bits set.
	ErrFormat = errors.New("stun: malformed message")

	// ErrFingerprint is returned when FINGERPRINT validation was requested
	// and the attribute is missing or does not match.
	ErrFingerprint = errors.New("stun: fingerprint mismatch")

	// ErrMessageIntegrity is returned when MESSAGE-INTEGRITY validation was
	// requested and the attribute is missing or does not match.
	ErrMessageIntegrity = errors.New("stun: message-integrity mismatch")

	// ErrAttributeNotFound is returned by accessors when a required
	// attribute is absent from a decoded message.
	ErrAttributeNotFound = errors.New("stun: attribute not found")

	// ErrUnsupportedFamily is returned decoding an address attribute whose
	// family byte is neither 0x01 (IPv4) nor 0x02 (IPv6).
	ErrUnsupportedFamily = errors.New("stun: unsupported address family")
)
