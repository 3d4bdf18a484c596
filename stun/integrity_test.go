package stun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFingerprintOnly(t *testing.T) {
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	m.Add(AttrUsername, []byte("frag:ufrag"))

	raw, err := Encode(m, EncodeOptions{Fingerprint: true})
	require.NoError(t, err)

	decoded, err := Decode(raw, DecodeOptions{RequireFingerprint: true})
	require.NoError(t, err)
	assert.Equal(t, m.TransactionID, decoded.TransactionID)
}

func TestDecodeDetectsCorruptFingerprint(t *testing.T) {
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	raw, err := Encode(m, EncodeOptions{Fingerprint: true})
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xFF
	_, err = Decode(raw, DecodeOptions{RequireFingerprint: true})
	assert.ErrorIs(t, err, ErrFingerprint)
}

func TestDecodeRequiresFingerprintWhenAbsent(t *testing.T) {
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	raw, err := Encode(m, EncodeOptions{})
	require.NoError(t, err)

	_, err = Decode(raw, DecodeOptions{RequireFingerprint: true})
	assert.ErrorIs(t, err, ErrFingerprint)
}

func TestEncodeDecodeMessageIntegrityShortTerm(t *testing.T) {
	key := []byte("some-short-term-password")

	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	m.Add(AttrUsername, []byte("a:b"))

	raw, err := Encode(m, EncodeOptions{Key: key, Fingerprint: true})
	require.NoError(t, err)

	decoded, err := Decode(raw, DecodeOptions{Key: key, RequireFingerprint: true})
	require.NoError(t, err)
	assert.True(t, decoded.Contains(AttrMessageIntegrity))
}

func TestDecodeDetectsWrongMessageIntegrityKey(t *testing.T) {
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)

	raw, err := Encode(m, EncodeOptions{Key: []byte("right-key"), Fingerprint: true})
	require.NoError(t, err)

	_, err = Decode(raw, DecodeOptions{Key: []byte("wrong-key"), RequireFingerprint: true})
	assert.ErrorIs(t, err, ErrMessageIntegrity)
}

func TestDecodeRequiresMessageIntegrityWhenAbsent(t *testing.T) {
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	raw, err := Encode(m, EncodeOptions{Fingerprint: true})
	require.NoError(t, err)

	_, err = Decode(raw, DecodeOptions{Key: []byte("k")})
	assert.ErrorIs(t, err, ErrMessageIntegrity)
}

func TestFingerprintVerifiedBeforeMessageIntegrity(t *testing.T) {
	// A message with both a corrupt fingerprint and a bad integrity key
	// should fail with ErrFingerprint, not ErrMessageIntegrity, per
	// spec.md section 4.1.
	m, err := NewMessage(ClassRequest, MethodBinding)
	require.NoError(t, err)
	raw, err := Encode(m, EncodeOptions{Key: []byte("right-key"), Fingerprint: true})
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF

	_, err = Decode(raw, DecodeOptions{Key: []byte("wrong-key"), RequireFingerprint: true})
	assert.ErrorIs(t, err, ErrFingerprint)
}

func TestLongTermKeyIsDeterministic(t *testing.T) {
	a := LongTermKey("alice", "example.org", "hunter2")
	b := LongTermKey("alice", "example.org", "hunter2")
	assert.Equal(t, a, b)

	c := LongTermKey("alice", "example.org", "different")
	assert.NotEqual(t, a, c)
}
