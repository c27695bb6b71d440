package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParsePSB(t *testing.T) {
	data := append(append([]byte{}, psbPattern...), 0xFF)

	p, n, ok := parsePSB(data)
	require.True(t, ok)
	assert.Equal(t, PSB, p.Kind)
	assert.Equal(t, 16, n)
}

func Test_ParsePSBEnd(t *testing.T) {
	p, n, ok := parsePSBEnd([]byte{0x02, 0x23, 0xFF})
	require.True(t, ok)
	assert.Equal(t, PSBEnd, p.Kind)
	assert.Equal(t, 2, n)

	_, _, ok = parsePSBEnd([]byte{0x02, 0x99})
	assert.False(t, ok)
}

func Test_ParsePIP(t *testing.T) {
	p, n, ok := parsePIP([]byte{0x02, 0x43, 0, 0, 0, 0, 0, 0})
	require.True(t, ok)
	assert.Equal(t, PIP, p.Kind)
	assert.Equal(t, 8, n)
}

func Test_ParseMode(t *testing.T) {
	p, n, ok := parseMode([]byte{0x99, 0x00})
	require.True(t, ok)
	assert.Equal(t, MODE, p.Kind)
	assert.Equal(t, 2, n)
}

func Test_ParseTIP_OutOfContext(t *testing.T) {
	// ip_bits = 0b000, opcode = tipBaseOpcode
	p, n, ok := parseTIP([]byte{tipBaseOpcode}, 0)
	require.True(t, ok)
	assert.Equal(t, TIPOutOfContext, p.Kind)
	assert.Equal(t, 1, n)
}

func Test_ParseTIP_FullIP(t *testing.T) {
	// ip_bits = 0b110 (full 8-byte IP), little-endian payload in buffer[1..8]
	data := []byte{
		byte(0b110<<5) | tipPGEOpcode,
		0xF0, 0xDE, 0xBC, 0x9A, 0x78, 0x56, 0x34, 0x12,
	}

	p, n, ok := parseTIP(data, 0)
	require.True(t, ok)
	assert.Equal(t, TIP, p.Kind)
	assert.Equal(t, TIPPGE, p.TIP.Type)
	assert.Equal(t, byte(0), p.TIP.LastIPUse)
	assert.Equal(t, uint64(0x123456789ABCDEF0), p.TIP.IP)
	assert.Equal(t, 9, n)
}

func Test_ParseTIP_ReuseTopSixBytes(t *testing.T) {
	// ip_bits = 0b001 (reuse top 6 bytes of currentIP, payload supplies the
	// low two bytes via buffer[1] (LSB) and buffer[2]).
	currentIP := uint64(0x1000000000000000)
	data := []byte{
		byte(0b001<<5) | tipBaseOpcode,
		0x34, 0x12,
	}

	p, n, ok := parseTIP(data, currentIP)
	require.True(t, ok)
	assert.Equal(t, TIPTip, p.TIP.Type)
	assert.Equal(t, byte(6), p.TIP.LastIPUse)
	assert.Equal(t, uint64(0x1000000000001234), p.TIP.IP)
	assert.Equal(t, 3, n)
}

func Test_ParseTIP_ReservedIPBitsRejected(t *testing.T) {
	data := []byte{byte(0b011<<5) | tipBaseOpcode, 0, 0, 0}
	_, _, ok := parseTIP(data, 0)
	assert.False(t, ok)
}

func Test_ParseTIP_UnknownOpcodeRejected(t *testing.T) {
	data := []byte{byte(0b110<<5) | 0x1F, 0, 0, 0, 0, 0, 0, 0, 0}
	_, _, ok := parseTIP(data, 0)
	assert.False(t, ok)
}
