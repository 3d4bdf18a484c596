package stun

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressEncodeDecodeIPv4(t *testing.T) {
	ip := net.ParseIP("192.0.2.5")
	value := encodeAddress(ip, 54321)
	gotIP, gotPort, err := decodeAddress(value)
	require.NoError(t, err)
	assert.True(t, ip.To4().Equal(gotIP))
	assert.Equal(t, 54321, gotPort)
}

func TestAddressEncodeDecodeIPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	value := encodeAddress(ip, 443)
	gotIP, gotPort, err := decodeAddress(value)
	require.NoError(t, err)
	assert.True(t, ip.To16().Equal(gotIP))
	assert.Equal(t, 443, gotPort)
}

func TestXorAddressEncodeDecodeIPv4(t *testing.T) {
	id := TransactionID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	ip := net.ParseIP("203.0.113.9")
	value := encodeXorAddress(ip, 12345, id)

	// the XOR'd wire bytes must not simply equal the plain encoding
	plain := encodeAddress(ip, 12345)
	assert.NotEqual(t, plain, value)

	gotIP, gotPort, err := decodeXorAddress(value, id)
	require.NoError(t, err)
	assert.True(t, ip.To4().Equal(gotIP))
	assert.Equal(t, 12345, gotPort)
}

func TestXorAddressEncodeDecodeIPv6(t *testing.T) {
	id := TransactionID{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 255, 254}
	ip := net.ParseIP("2001:db8::cafe")
	value := encodeXorAddress(ip, 9999, id)
	gotIP, gotPort, err := decodeXorAddress(value, id)
	require.NoError(t, err)
	assert.True(t, ip.To16().Equal(gotIP))
	assert.Equal(t, 9999, gotPort)
}

func TestGetXorMappedAddressFallsBackToMappedAddress(t *testing.T) {
	m, err := NewMessage(ClassSuccessResponse, MethodBinding)
	require.NoError(t, err)
	ip := net.ParseIP("198.51.100.7")
	m.Add(AttrMappedAddress, encodeAddress(ip, 7000))

	gotIP, gotPort, err := m.GetXorMappedAddress()
	require.NoError(t, err)
	assert.True(t, ip.To4().Equal(gotIP))
	assert.Equal(t, 7000, gotPort)
}

func TestGetXorMappedAddressPrefersXorVariant(t *testing.T) {
	m, err := NewMessage(ClassSuccessResponse, MethodBinding)
	require.NoError(t, err)
	ip := net.ParseIP("198.51.100.7")
	m.Add(AttrMappedAddress, encodeAddress(ip, 1))
	m.SetXorMappedAddress(ip, 7000)

	gotIP, gotPort, err := m.GetXorMappedAddress()
	require.NoError(t, err)
	assert.True(t, ip.To4().Equal(gotIP))
	assert.Equal(t, 7000, gotPort)
}

func TestGetXorMappedAddressMissing(t *testing.T) {
	m := &Message{}
	_, _, err := m.GetXorMappedAddress()
	assert.ErrorIs(t, err, ErrAttributeNotFound)
}

func TestDecodeAddressRejectsUnknownFamily(t *testing.T) {
	value := []byte{0x00, 0x03, 0x00, 0x00, 1, 2, 3, 4}
	_, _, err := decodeAddress(value)
	assert.ErrorIs(t, err, ErrUnsupportedFamily)
}
