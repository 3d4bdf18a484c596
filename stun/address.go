package stun

import "net"

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// encodeAddress serializes (ip, port) as a MAPPED-ADDRESS-family attribute
// value: 1 byte reserved (zero), 1 byte family, 2 bytes port, 4 or 16 bytes
// address (spec.md section 4.1).
func encodeAddress(ip net.IP, port int) []byte {
	if v4 := ip.To4(); v4 != nil {
		buf := make([]byte, 8)
		buf[1] = familyIPv4
		buf[2] = byte(port >> 8)
		buf[3] = byte(port)
		copy(buf[4:8], v4)
		return buf
	}
	v6 := ip.To16()
	buf := make([]byte, 20)
	buf[1] = familyIPv6
	buf[2] = byte(port >> 8)
	buf[3] = byte(port)
	copy(buf[4:20], v6)
	return buf
}

// decodeAddress is the inverse of encodeAddress.
func decodeAddress(value []byte) (net.IP, int, error) {
	if len(value) < 4 {
		return nil, 0, ErrFormat
	}
	family := value[1]
	port := int(value[2])<<8 | int(value[3])
	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return nil, 0, ErrFormat
		}
		ip := make(net.IP, 4)
		copy(ip, value[4:8])
		return ip, port, nil
	case familyIPv6:
		if len(value) < 20 {
			return nil, 0, ErrFormat
		}
		ip := make(net.IP, 16)
		copy(ip, value[4:20])
		return ip, port, nil
	default:
		return nil, 0, ErrUnsupportedFamily
	}
}

// encodeXorAddress is encodeAddress with the port XORed against the upper
// 16 bits of the magic cookie and the address XORed against cookie||id
// (IPv6) or cookie (IPv4), per spec.md section 4.1.
func encodeXorAddress(ip net.IP, port int, id TransactionID) []byte {
	xport := port ^ int(MagicCookie>>16)
	cookieBytes := cookieBytes()

	if v4 := ip.To4(); v4 != nil {
		buf := make([]byte, 8)
		buf[1] = familyIPv4
		buf[2] = byte(xport >> 8)
		buf[3] = byte(xport)
		for i := 0; i < 4; i++ {
			buf[4+i] = v4[i] ^ cookieBytes[i]
		}
		return buf
	}

	v6 := ip.To16()
	buf := make([]byte, 20)
	buf[1] = familyIPv6
	buf[2] = byte(xport >> 8)
	buf[3] = byte(xport)
	xorKey := append(append([]byte{}, cookieBytes...), id[:]...)
	for i := 0; i < 16; i++ {
		buf[4+i] = v6[i] ^ xorKey[i]
	}
	return buf
}

// decodeXorAddress is the inverse of encodeXorAddress.
func decodeXorAddress(value []byte, id TransactionID) (net.IP, int, error) {
	if len(value) < 4 {
		return nil, 0, ErrFormat
	}
	family := value[1]
	xport := int(value[2])<<8 | int(value[3])
	port := xport ^ int(MagicCookie>>16)
	cookieBytes := cookieBytes()

	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return nil, 0, ErrFormat
		}
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cookieBytes[i]
		}
		return ip, port, nil
	case familyIPv6:
		if len(value) < 20 {
			return nil, 0, ErrFormat
		}
		xorKey := append(append([]byte{}, cookieBytes...), id[:]...)
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = value[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, ErrUnsupportedFamily
	}
}

func cookieBytes() []byte {
	return []byte{
		byte(MagicCookie >> 24), byte(MagicCookie >> 16),
		byte(MagicCookie >> 8), byte(MagicCookie),
	}
}

// SetXorMappedAddress appends an XOR-MAPPED-ADDRESS attribute for (ip, port).
func (m *Message) SetXorMappedAddress(ip net.IP, port int) {
	m.Add(AttrXorMappedAddress, encodeXorAddress(ip, port, m.TransactionID))
}

// GetXorMappedAddress extracts XOR-MAPPED-ADDRESS, falling back to
// MAPPED-ADDRESS if the former is absent (spec.md section 4.3: "preferring
// XOR-MAPPED-ADDRESS").
func (m *Message) GetXorMappedAddress() (net.IP, int, error) {
	if a, ok := m.Get(AttrXorMappedAddress); ok {
		return decodeXorAddress(a.Value, m.TransactionID)
	}
	if a, ok := m.Get(AttrMappedAddress); ok {
		return decodeAddress(a.Value)
	}
	return nil, 0, ErrAttributeNotFound
}

// SetXorPeerAddress appends an XOR-PEER-ADDRESS attribute (TURN).
func (m *Message) SetXorPeerAddress(ip net.IP, port int) {
	m.Add(AttrXorPeerAddress, encodeXorAddress(ip, port, m.TransactionID))
}

// GetXorPeerAddress extracts XOR-PEER-ADDRESS (TURN).
func (m *Message) GetXorPeerAddress() (net.IP, int, error) {
	a, ok := m.Get(AttrXorPeerAddress)
	if !ok {
		return nil, 0, ErrAttributeNotFound
	}
	return decodeXorAddress(a.Value, m.TransactionID)
}

// SetXorRelayedAddress appends an XOR-RELAYED-ADDRESS attribute (TURN).
func (m *Message) SetXorRelayedAddress(ip net.IP, port int) {
	m.Add(AttrXorRelayedAddress, encodeXorAddress(ip, port, m.TransactionID))
}

// GetXorRelayedAddress extracts XOR-RELAYED-ADDRESS (TURN).
func (m *Message) GetXorRelayedAddress() (net.IP, int, error) {
	a, ok := m.Get(AttrXorRelayedAddress)
	if !ok {
		return nil, 0, ErrAttributeNotFound
	}
	return decodeXorAddress(a.Value, m.TransactionID)
}
