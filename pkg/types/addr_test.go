package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddr_PageMath(t *testing.T) {
	a := Addr(0x401a37)
	require.Equal(t, Addr(0x401000), a.PageBase())
	require.Equal(t, uint64(0xa37), a.Offset())
	require.Equal(t, uint64(0x401), a.VPN())
	assert.Equal(t, "0x401a37", a.String())
}

func TestAddr_Canonical(t *testing.T) {
	assert.True(t, Addr(0x401000).Canonical())
	assert.True(t, Addr(0xffff800000001000).Canonical())
	assert.False(t, Addr(0x0000900000000000).Canonical())
	assert.False(t, Addr(0xfff0000000000000).Canonical())
}

func TestPFN_RoundTrip(t *testing.T) {
	gpa := uint64(0x1234000)
	require.Equal(t, PFN(0x1234), PFNOf(gpa))
	require.Equal(t, gpa, PFNOf(gpa).Phys())

	// offsets never survive the round trip
	assert.Equal(t, uint64(0x1234000), PFNOf(0x1234a37).Phys())
}
