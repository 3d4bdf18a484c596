package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelDataEncodeDecodeRoundTrip(t *testing.T) {
	data := []byte("hello relay")
	frame := EncodeChannelData(0x4001, data, false)

	channel, got, ok := DecodeChannelData(frame)
	require.True(t, ok)
	assert.Equal(t, uint16(0x4001), channel)
	assert.Equal(t, data, got)
}

func TestChannelDataPadsToFourOverTCP(t *testing.T) {
	data := []byte("odd") // 3 bytes, frame would be 7 without padding
	frame := EncodeChannelData(0x4001, data, true)

	assert.Zero(t, len(frame)%4)
	channel, got, ok := DecodeChannelData(frame)
	require.True(t, ok)
	assert.Equal(t, uint16(0x4001), channel)
	assert.Equal(t, data, got)
}

func TestIsChannelDataDiscriminatesFromSTUN(t *testing.T) {
	stunLike := []byte{0x00, 0x01, 0x00, 0x00}
	channelLike := []byte{0x40, 0x01, 0x00, 0x00}
	assert.False(t, IsChannelData(stunLike))
	assert.True(t, IsChannelData(channelLike))
}

func TestChannelNumberRangeConstants(t *testing.T) {
	assert.Equal(t, uint16(0x4000), ChannelNumberMin)
	assert.Equal(t, uint16(0x7FFF), ChannelNumberMax)
}
