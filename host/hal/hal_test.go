package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Speed Tests
// =============================================================================

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected string
	}{
		{SpeedUnknown, "Unknown"},
		{SpeedLow, "Low Speed"},
		{SpeedFull, "Full Speed"},
		{SpeedHigh, "High Speed"},
		{Speed(255), "Unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.speed.String())
	}
}

// =============================================================================
// SetupPacket Tests
// =============================================================================

func TestParseSetupPacket(t *testing.T) {
	data := []byte{
		0xA1,       // RequestType (Device-to-Host, Class, Interface)
		0xFE,       // Request (GET_MAX_LUN)
		0x00, 0x00, // Value
		0x02, 0x00, // Index (interface 2)
		0x01, 0x00, // Length (1)
	}

	var setup SetupPacket
	require.True(t, ParseSetupPacket(data, &setup))
	assert.Equal(t, uint8(0xA1), setup.RequestType)
	assert.Equal(t, uint8(0xFE), setup.Request)
	assert.Equal(t, uint16(0), setup.Value)
	assert.Equal(t, uint16(2), setup.Index)
	assert.Equal(t, uint16(1), setup.Length)
	assert.True(t, setup.IsIn())
}

func TestParseSetupPacket_TooShort(t *testing.T) {
	var setup SetupPacket
	assert.False(t, ParseSetupPacket([]byte{0x80, 0x06, 0x00}, &setup))
}

func TestSetupPacket_MarshalTo(t *testing.T) {
	setup := SetupPacket{
		RequestType: 0x02, // Host-to-Device, Standard, Endpoint
		Request:     0x01, // CLEAR_FEATURE
		Value:       0x0000,
		Index:       0x0081,
		Length:      0,
	}

	var buf [SetupPacketSize]byte
	require.Equal(t, SetupPacketSize, setup.MarshalTo(buf[:]))
	assert.Equal(t, []byte{0x02, 0x01, 0x00, 0x00, 0x81, 0x00, 0x00, 0x00}, buf[:])
	assert.False(t, setup.IsIn())
}

func TestSetupPacket_MarshalTo_TooSmall(t *testing.T) {
	setup := SetupPacket{Request: 0x06}
	assert.Zero(t, setup.MarshalTo(make([]byte, 4)))
}

// =============================================================================
// Endpoint Tests
// =============================================================================

func TestIsInEndpoint(t *testing.T) {
	assert.True(t, IsInEndpoint(0x81))
	assert.True(t, IsInEndpoint(0x80))
	assert.False(t, IsInEndpoint(0x02))
	assert.False(t, IsInEndpoint(0x00))
}
