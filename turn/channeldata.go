// Package turn implements the client side of a TURN (RFC 5766) relayed
// allocation: Allocate/Refresh/CreatePermission/ChannelBind lifecycle
// management and the Send-indication / ChannelData encoding of peer
// traffic, built on top of this module's stun package transaction pool.
package turn

import "encoding/binary"

// ChannelNumberMin and ChannelNumberMax bound the channel numbers a client
// may request (RFC 5766 section 11, spec.md section 4.4).
const (
	ChannelNumberMin uint16 = 0x4000
	ChannelNumberMax uint16 = 0x7FFF
)

// IsChannelData reports whether the top two bits of the first byte of buf
// are set, the framing discriminator between ChannelData and STUN
// messages sharing one socket (spec.md section 6.2).
func IsChannelData(buf []byte) bool {
	return len(buf) >= 1 && buf[0]&0xC0 != 0
}

// EncodeChannelData serializes a ChannelData frame: channel:u16,
// length:u16, data. padToFour additionally pads the data to a 4-byte
// multiple, as required when the frame travels over a TCP TURN
// connection; the length field always reports the unpadded byte count
// (spec.md section 6.2).
func EncodeChannelData(channel uint16, data []byte, padToFour bool) []byte {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(buf[0:2], channel)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	copy(buf[4:], data)
	if padToFour {
		if rem := len(buf) % 4; rem != 0 {
			buf = append(buf, make([]byte, 4-rem)...)
		}
	}
	return buf
}

// DecodeChannelData parses a ChannelData frame, ignoring any trailing
// TCP padding beyond the declared length.
func DecodeChannelData(buf []byte) (channel uint16, data []byte, ok bool) {
	if len(buf) < 4 {
		return 0, nil, false
	}
	channel = binary.BigEndian.Uint16(buf[0:2])
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < 4+length {
		return 0, nil, false
	}
	return channel, buf[4 : 4+length], true
}
