package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
)

// fingerprintXOR is XORed into the CRC-32 of the message before it is
// stored in FINGERPRINT, so a STUN message can be told apart from an
// unrelated protocol sharing the same socket (RFC 5389 section 15.5).
const fingerprintXOR uint32 = 0x5354554E

// EncodeOptions controls which trailing attributes Encode appends.
type EncodeOptions struct {
	// Key, when non-nil, is the MESSAGE-INTEGRITY key: either the short-term
	// password itself, or MD5(user ":" realm ":" pass) for long-term
	// credentials (LongTermKey does this derivation).
	Key []byte

	// Fingerprint appends a FINGERPRINT attribute after MESSAGE-INTEGRITY
	// when true.
	Fingerprint bool
}

// Encode serializes m, optionally appending MESSAGE-INTEGRITY (if opts.Key
// is set) and then FINGERPRINT (if opts.Fingerprint is set) — in that
// order, matching the order Decode requires them to be verified in
// reverse (spec.md section 4.1: fingerprint checked first, then integrity).
func Encode(m *Message, opts EncodeOptions) ([]byte, error) {
	if opts.Key != nil {
		// Reserve room for the MESSAGE-INTEGRITY attribute (4 header + 20
		// value bytes) in the length field used for the HMAC computation,
		// per RFC 5389 section 15.4.
		placeholder := Attribute{Type: AttrMessageIntegrity, Value: make([]byte, 20)}
		withPlaceholder := &Message{Class: m.Class, Method: m.Method, TransactionID: m.TransactionID, Attributes: append(append([]Attribute{}, m.Attributes...), placeholder)}
		raw, err := withPlaceholder.rawEncode()
		if err != nil {
			return nil, err
		}
		mic := computeMessageIntegrity(raw[:len(raw)-24], opts.Key)
		m = &Message{Class: m.Class, Method: m.Method, TransactionID: m.TransactionID, Attributes: append(append([]Attribute{}, m.Attributes...), Attribute{Type: AttrMessageIntegrity, Value: mic})}
	}

	if opts.Fingerprint {
		placeholder := Attribute{Type: AttrFingerprint, Value: make([]byte, 4)}
		withPlaceholder := &Message{Class: m.Class, Method: m.Method, TransactionID: m.TransactionID, Attributes: append(append([]Attribute{}, m.Attributes...), placeholder)}
		raw, err := withPlaceholder.rawEncode()
		if err != nil {
			return nil, err
		}
		fp := computeFingerprint(raw[:len(raw)-8])
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, fp)
		m = &Message{Class: m.Class, Method: m.Method, TransactionID: m.TransactionID, Attributes: append(append([]Attribute{}, m.Attributes...), Attribute{Type: AttrFingerprint, Value: val})}
	}

	return m.rawEncode()
}

// DecodeOptions controls which trailing attributes Decode requires and
// validates.
type DecodeOptions struct {
	// Key, when non-nil, is the expected MESSAGE-INTEGRITY key; decoding
	// fails with ErrMessageIntegrity if the attribute is absent or wrong.
	Key []byte

	// RequireFingerprint, when true, fails decoding with ErrFingerprint if
	// FINGERPRINT is absent or wrong.
	RequireFingerprint bool
}

// Decode parses buf into a Message and validates FINGERPRINT (if present
// or required) before MESSAGE-INTEGRITY, per spec.md section 4.1: "the
// FINGERPRINT attribute, when present, MUST be verified before
// MESSAGE-INTEGRITY is checked, since a fingerprint failure indicates the
// datagram is not a STUN message at all."
func Decode(buf []byte, opts DecodeOptions) (*Message, error) {
	m, err := rawDecode(buf)
	if err != nil {
		return nil, err
	}

	if fp, ok := m.Get(AttrFingerprint); ok {
		if len(fp.Value) != 4 {
			return nil, ErrFingerprint
		}
		prefix, ok := coveringPrefix(buf, AttrFingerprint)
		if !ok {
			return nil, ErrFingerprint
		}
		want := computeFingerprint(prefix)
		got := binary.BigEndian.Uint32(fp.Value)
		if want != got {
			return nil, ErrFingerprint
		}
	} else if opts.RequireFingerprint {
		return nil, ErrFingerprint
	}

	if opts.Key != nil {
		mi, ok := m.Get(AttrMessageIntegrity)
		if !ok {
			return nil, ErrMessageIntegrity
		}
		prefix, ok := coveringPrefix(buf, AttrMessageIntegrity)
		if !ok {
			return nil, ErrMessageIntegrity
		}
		want := computeMessageIntegrity(prefix, opts.Key)
		if !hmac.Equal(want, mi.Value) {
			return nil, ErrMessageIntegrity
		}
	}

	return m, nil
}

func computeMessageIntegrity(prefix []byte, key []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(prefix)
	return h.Sum(nil)
}

func computeFingerprint(prefix []byte) uint32 {
	return crc32.ChecksumIEEE(prefix) ^ fingerprintXOR
}

// coveringPrefix returns a copy of buf truncated to just before the given
// attribute's header, with its own length field rewritten to describe that
// truncated body — the exact bytes MESSAGE-INTEGRITY's HMAC or
// FINGERPRINT's CRC was computed over on the sending side (RFC 5389
// sections 15.4/15.5). The returned slice is a copy so the caller's buf is
// never mutated.
func coveringPrefix(buf []byte, t AttrType) ([]byte, bool) {
	if len(buf) < messageHeaderSize {
		return nil, false
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if messageHeaderSize+length > len(buf) {
		return nil, false
	}
	body := buf[messageHeaderSize : messageHeaderSize+length]
	offset := messageHeaderSize
	for len(body) >= 4 {
		at := AttrType(binary.BigEndian.Uint16(body[0:2]))
		al := int(binary.BigEndian.Uint16(body[2:4]))
		if at == t {
			prefix := make([]byte, offset)
			copy(prefix, buf[:offset])
			// The length field must describe the message as it was on the
			// wire when the sender computed this same HMAC/CRC: the total
			// byte count up to and including the covered attribute's header
			// and value, even though those bytes themselves are excluded
			// from prefix (RFC 5389 sections 15.4/15.5).
			binary.BigEndian.PutUint16(prefix[2:4], uint16(offset-messageHeaderSize+4+al))
			return prefix, true
		}
		adv := 4 + al + padLen(al)
		if len(body) < adv {
			return nil, false
		}
		body = body[adv:]
		offset += adv
	}
	return nil, false
}

// LongTermKey derives the MESSAGE-INTEGRITY key for long-term credentials:
// MD5(username ":" realm ":" password), per RFC 5389 section 15.4. Inputs
// are assumed already SASLprep-normalized (spec.md section 4.1 note).
func LongTermKey(username, realm, password string) []byte {
	h := md5.New()
	h.Write([]byte(username))
	h.Write([]byte(":"))
	h.Write([]byte(realm))
	h.Write([]byte(":"))
	h.Write([]byte(password))
	return h.Sum(nil)
}
