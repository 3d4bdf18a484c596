// Package ice implements the connectivity-check state machine, candidate
// gathering and transport plumbing of RFC 8445, built on top of this
// module's stun and turn packages.
package ice

import (
	"crypto/rand"
	"fmt"
	"net"
)

// TransportAddress is an (ip, port) pair. Equality is bit-exact through
// Key(), whose string result is what serves as a map key (net.IP is a
// []byte under the hood, so TransportAddress itself is neither comparable
// with == nor usable as a map key).
type TransportAddress struct {
	IP   net.IP
	Port int
	// Zone carries an IPv6 scope id, propagated from a link-local local
	// candidate onto remote candidates sharing its socket (spec.md section 3).
	Zone string
}

// Key returns a comparable, map-key-safe representation of a.
func (a TransportAddress) Key() string {
	return fmt.Sprintf("%s%%%s/%d", a.IP.String(), a.Zone, a.Port)
}

func (a TransportAddress) String() string {
	if a.Zone != "" {
		return fmt.Sprintf("%s%%%s:%d", a.IP.String(), a.Zone, a.Port)
	}
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

func (a TransportAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port, Zone: a.Zone}
}

// CandidateType is one of the four RFC 8445 candidate kinds.
type CandidateType int

const (
	CandidateTypeHost CandidateType = iota
	CandidateTypeServerReflexive
	CandidateTypePeerReflexive
	CandidateTypeRelayed
)

func (t CandidateType) String() string {
	switch t {
	case CandidateTypeHost:
		return "host"
	case CandidateTypeServerReflexive:
		return "srflx"
	case CandidateTypePeerReflexive:
		return "prflx"
	case CandidateTypeRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference implements spec.md section 3's type-preference table:
// host=126, peer-reflexive=110, server-reflexive=100, relayed=0.
func (t CandidateType) typePreference() uint32 {
	switch t {
	case CandidateTypeHost:
		return 126
	case CandidateTypePeerReflexive:
		return 110
	case CandidateTypeServerReflexive:
		return 100
	case CandidateTypeRelayed:
		return 0
	default:
		return 0
	}
}

// NetworkProtocol distinguishes UDP host/srflx/relay candidates from the
// TCP-relayed candidate emitted by a TCP-TURN transport.
type NetworkProtocol int

const (
	ProtocolUDP NetworkProtocol = iota
	ProtocolTCP
)

func (p NetworkProtocol) String() string {
	if p == ProtocolTCP {
		return "tcp"
	}
	return "udp"
}

// CandidateInfo describes one transport address offered by an endpoint,
// per spec.md section 3.
type CandidateInfo struct {
	Type        CandidateType
	Protocol    NetworkProtocol
	Address     TransportAddress
	Base        TransportAddress
	ComponentID int
	Priority    uint32
	Foundation  string
	Network     int
	ID          string
	// Generation distinguishes candidates across an ICE restart; nothing in
	// this package sets it, so locally gathered candidates carry 0 (spec.md
	// section 6.3).
	Generation int
}

// Priority implements spec.md section 3's formula:
// (2^24 * type-pref) + (2^8 * local-pref) + (256 - component-id).
func Priority(typ CandidateType, localPref uint32, componentID int) uint32 {
	return (typ.typePreference() << 24) | (localPref << 8) | uint32(256-componentID)
}

// Foundation computes the opaque foundation string shared by candidates
// with the same type, base IP, STUN/TURN server IP, and protocol
// (spec.md section 3).
func Foundation(typ CandidateType, baseIP net.IP, serverIP net.IP, proto NetworkProtocol) string {
	server := "-"
	if serverIP != nil {
		server = serverIP.String()
	}
	return fmt.Sprintf("%s:%s:%s:%s", typ, baseIP.String(), server, proto)
}

// NewCandidateID returns a random 10-character candidate identifier.
func NewCandidateID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// fall back to a fixed-but-valid id rather than panic.
		return "0000000000"
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

// LocalCandidate is a CandidateInfo plus the owning transport and the path
// index the agent must use to send on it (0=direct, 1=relayed).
type LocalCandidate struct {
	CandidateInfo
	Transport *LocalTransport
	Path      int
}

// RemoteCandidate is a CandidateInfo learned out of band (or, for
// peer-reflexive remotes, synthesized from an incoming check). Only the
// ones learned out of band are kept in the Agent's remote list (spec.md
// section 4.8: synthesized prflx remotes are used for a triggered check
// but never added to the list).
type RemoteCandidate struct {
	CandidateInfo
}
