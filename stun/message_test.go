package stun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTypeRoundTrip(t *testing.T) {
	testCases := []struct {
		class  Class
		method Method
	}{
		{ClassRequest, MethodBinding},
		{ClassSuccessResponse, MethodBinding},
		{ClassErrorResponse, MethodAllocate},
		{ClassIndication, MethodSend},
		{ClassRequest, MethodChannelBind},
	}

	for i, tc := range testCases {
		encoded := encodeType(tc.class, tc.method)
		gotClass, gotMethod := decodeType(encoded)
		assert.Equal(t, tc.class, gotClass, "testCase: %d", i)
		assert.Equal(t, tc.method, gotMethod, "testCase: %d", i)
	}
}

func TestBindingRequestTypeIsWellKnown(t *testing.T) {
	// RFC 5389 section 18.1: a Binding request's type field is 0x0001.
	assert.Equal(t, uint16(0x0001), encodeType(ClassRequest, MethodBinding))
	assert.Equal(t, uint16(0x0101), encodeType(ClassSuccessResponse, MethodBinding))
	assert.Equal(t, uint16(0x0111), encodeType(ClassErrorResponse, MethodBinding))
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	m.Add(AttrUsername, []byte("alice:bob"))
	m.Add(AttrPriority, []byte{0x6e, 0x00, 0x01, 0x7f})

	raw, err := m.rawEncode()
	require.NoError(t, err)
	assert.Zero(t, len(raw)%4, "message length must be a multiple of 4 bytes")

	decoded, err := rawDecode(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Class, decoded.Class)
	assert.Equal(t, m.Method, decoded.Method)
	assert.Equal(t, m.TransactionID, decoded.TransactionID)
	require.Len(t, decoded.Attributes, 2)

	username, ok := decoded.Get(AttrUsername)
	require.True(t, ok)
	assert.Equal(t, "alice:bob", string(username.Value))
}

func TestRawDecodeRejectsBadCookie(t *testing.T) {
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	raw, err := m.rawEncode()
	require.NoError(t, err)

	raw[4] ^= 0xFF // corrupt the magic cookie
	_, err = rawDecode(raw)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestRawDecodeRejectsShortBuffer(t *testing.T) {
	_, err := rawDecode([]byte{0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrFormat)
}

func TestRawDecodeRejectsUnpaddedLength(t *testing.T) {
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	raw, err := m.rawEncode()
	require.NoError(t, err)

	raw[3] = 0x01 // claim a length not a multiple of 4
	_, err = rawDecode(raw)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestMessageGetContains(t *testing.T) {
	m := &Message{}
	assert.False(t, m.Contains(AttrUsername))
	m.Add(AttrUsername, []byte("x"))
	assert.True(t, m.Contains(AttrUsername))
	_, ok := m.Get(AttrRealm)
	assert.False(t, ok)
}
