// Package stun implements the wire format and transaction pool described
// in RFC 5389, as generalized by RFC 5766 for the
// TURN methods layered on top of it. It is written from scratch against the
// spec rather than imported from github.com/pion/stun: the codec and
// transaction pool are the protocol core this module exists to implement,
// not ambient plumbing (see DESIGN.md).
package stun

import (
	"encoding/binary"
)

// Class is the two-bit STUN message class.
type Class byte

// The four STUN message classes (RFC 5389 section 6).
const (
	ClassRequest Class = iota
	ClassIndication
	ClassSuccessResponse
	ClassErrorResponse
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success"
	case ClassErrorResponse:
		return "error"
	default:
		return "unknown-class"
	}
}

// Method is the 12-bit STUN method.
type Method uint16

// Methods used by this module: Binding (RFC 5389) and the TURN methods
// (RFC 5766) layered on the same header/attribute framing.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return "unknown-method"
	}
}

// MagicCookie is the fixed constant that occupies the first four bytes of
// the 128-bit transaction ID field (RFC 5389 section 6).
const MagicCookie uint32 = 0x2112A442

// TransactionIDSize is the length in bytes of a STUN transaction ID.
const TransactionIDSize = 12

// messageHeaderSize is the fixed STUN header length: type, length, cookie, id.
const messageHeaderSize = 20

// TransactionID is a 96-bit STUN transaction identifier.
type TransactionID [TransactionIDSize]byte

// Attribute is a decoded (type, value) STUN attribute. Value never includes
// the padding bytes.
type Attribute struct {
	Type  AttrType
	Value []byte
}

// AttrType is a 16-bit STUN/TURN attribute type code.
type AttrType uint16

// Attribute type codes used by this module (spec.md section 6.1).
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXorPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXorRelayedAddress AttrType = 0x0016
	AttrEvenPort          AttrType = 0x0018
	AttrRequestedTransport AttrType = 0x0019
	AttrDontFragment      AttrType = 0x001A
	AttrXorMappedAddress  AttrType = 0x0020
	AttrReservationToken  AttrType = 0x0022
	AttrPriority          AttrType = 0x0024
	AttrUseCandidate      AttrType = 0x0025
	AttrSoftware          AttrType = 0x8022
	AttrAlternateServer   AttrType = 0x8023
	AttrFingerprint       AttrType = 0x8028
	AttrIceControlled     AttrType = 0x8029
	AttrIceControlling    AttrType = 0x802A
)

func (t AttrType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrUsername:
		return "USERNAME"
	case AttrMessageIntegrity:
		return "MESSAGE-INTEGRITY"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrUnknownAttributes:
		return "UNKNOWN-ATTRIBUTES"
	case AttrChannelNumber:
		return "CHANNEL-NUMBER"
	case AttrLifetime:
		return "LIFETIME"
	case AttrXorPeerAddress:
		return "XOR-PEER-ADDRESS"
	case AttrData:
		return "DATA"
	case AttrRealm:
		return "REALM"
	case AttrNonce:
		return "NONCE"
	case AttrXorRelayedAddress:
		return "XOR-RELAYED-ADDRESS"
	case AttrEvenPort:
		return "EVEN-PORT"
	case AttrRequestedTransport:
		return "REQUESTED-TRANSPORT"
	case AttrDontFragment:
		return "DONT-FRAGMENT"
	case AttrXorMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrReservationToken:
		return "RESERVATION-TOKEN"
	case AttrPriority:
		return "PRIORITY"
	case AttrUseCandidate:
		return "USE-CANDIDATE"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrAlternateServer:
		return "ALTERNATE-SERVER"
	case AttrFingerprint:
		return "FINGERPRINT"
	case AttrIceControlled:
		return "ICE-CONTROLLED"
	case AttrIceControlling:
		return "ICE-CONTROLLING"
	default:
		return "UNKNOWN-ATTRIBUTE"
	}
}

// Message is a decoded STUN message: class, method, transaction id and an
// ordered list of attributes. Unknown attributes survive a decode/encode
// round trip untouched.
type Message struct {
	Class          Class
	Method         Method
	TransactionID  TransactionID
	Attributes     []Attribute
}

// NewMessage builds an empty message of the given class/method with a fresh
// random transaction ID.
func NewMessage(class Class, method Method) (*Message, error) {
	id, err := newTransactionID()
	if err != nil {
		return nil, err
	}
	return &Message{Class: class, Method: method, TransactionID: id}, nil
}

// Get returns the first attribute of the given type, if present.
func (m *Message) Get(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Contains reports whether the message carries an attribute of type t.
func (m *Message) Contains(t AttrType) bool {
	_, ok := m.Get(t)
	return ok
}

// Add appends an attribute. Callers are responsible for ordering
// MESSAGE-INTEGRITY and FINGERPRINT last (Encode also enforces this via its
// own options, see integrity.go).
func (m *Message) Add(t AttrType, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: value})
}

// encodeType packs class and method into the 16-bit STUN type field per
// RFC 5389 section 6: class bits occupy positions 0x100 and 0x010, the
// method occupies the remaining 12 bits, interleaved around them.
func encodeType(class Class, method Method) uint16 {
	m := uint16(method)
	t := m & 0x000f
	t |= (m & 0x0070) << 1
	t |= (m & 0x0f80) << 2
	t |= uint16(class&0x1) << 4
	t |= uint16(class&0x2) << 7
	return t
}

// decodeType is the inverse of encodeType.
func decodeType(t uint16) (Class, Method) {
	m := t & 0x000f
	m |= (t & 0x00e0) >> 1
	m |= (t & 0x3e00) >> 2
	class := Class((t&0x0100)>>7 | (t&0x0010)>>4)
	return class, Method(m)
}

func padLen(n int) int {
	if rem := n % 4; rem != 0 {
		return 4 - rem
	}
	return 0
}

// rawEncode serializes the header and attributes without appending
// MESSAGE-INTEGRITY or FINGERPRINT; Encode (integrity.go) wraps this.
func (m *Message) rawEncode() ([]byte, error) {
	buf := make([]byte, messageHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], encodeType(m.Class, m.Method))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.TransactionID[:])

	for _, a := range m.Attributes {
		if len(a.Value) > 0xFFFF-4 {
			return nil, ErrFormat
		}
		head := make([]byte, 4)
		binary.BigEndian.PutUint16(head[0:2], uint16(a.Type))
		binary.BigEndian.PutUint16(head[2:4], uint16(len(a.Value)))
		buf = append(buf, head...)
		buf = append(buf, a.Value...)
		if p := padLen(len(a.Value)); p > 0 {
			buf = append(buf, make([]byte, p)...)
		}
	}

	length := len(buf) - messageHeaderSize
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	return buf, nil
}

// rawDecode is the structural inverse of rawEncode; it does not validate
// FINGERPRINT or MESSAGE-INTEGRITY (Decode does, see integrity.go).
func rawDecode(buf []byte) (*Message, error) {
	if len(buf) < messageHeaderSize {
		return nil, ErrFormat
	}
	typ := binary.BigEndian.Uint16(buf[0:2])
	if typ&0xC000 != 0 {
		return nil, ErrFormat
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	if int(length)%4 != 0 {
		return nil, ErrFormat
	}
	if binary.BigEndian.Uint32(buf[4:8]) != MagicCookie {
		return nil, ErrFormat
	}
	if len(buf) < messageHeaderSize+int(length) {
		return nil, ErrFormat
	}

	class, method := decodeType(typ)
	m := &Message{Class: class, Method: method}
	copy(m.TransactionID[:], buf[8:20])

	body := buf[messageHeaderSize : messageHeaderSize+int(length)]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, ErrFormat
		}
		at := AttrType(binary.BigEndian.Uint16(body[0:2]))
		al := int(binary.BigEndian.Uint16(body[2:4]))
		body = body[4:]
		if len(body) < al {
			return nil, ErrFormat
		}
		value := make([]byte, al)
		copy(value, body[:al])
		m.Attributes = append(m.Attributes, Attribute{Type: at, Value: value})
		adv := al + padLen(al)
		if len(body) < adv {
			return nil, ErrFormat
		}
		body = body[adv:]
	}

	return m, nil
}

func newTransactionID() (TransactionID, error) {
	var id TransactionID
	if err := randRead(id[:]); err != nil {
		return id, err
	}
	return id, nil
}
