package bitpath_test

import (
	"testing"

	"github.com/intmax-network/validity-prover/pkg/merkle/bitpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromIndexIsRootFirst(t *testing.T) {
	// Index 0b110 in a height-3 tree reads 1,1,0 from the root.
	p := bitpath.FromIndex(3, 0b110)
	require.Equal(t, 3, p.Len())
	assert.True(t, p.Bit(0))
	assert.True(t, p.Bit(1))
	assert.False(t, p.Bit(2))
}

func TestPopReturnsDeepestBit(t *testing.T) {
	p := bitpath.FromIndex(3, 0b110)

	p, bit := p.Pop()
	assert.False(t, bit)
	require.Equal(t, 2, p.Len())

	p, bit = p.Pop()
	assert.True(t, bit)

	p, bit = p.Pop()
	assert.True(t, bit)
	assert.True(t, p.IsEmpty())
}

func TestSiblingFlipsDeepestBit(t *testing.T) {
	p := bitpath.FromIndex(2, 0b00)
	sibling := p.Sibling()

	_, bit := p.Pop()
	assert.False(t, bit)
	_, siblingBit := sibling.Pop()
	assert.True(t, siblingBit)

	// Double flip is the identity.
	assert.Equal(t, p, sibling.Sibling())
}

func TestEncodeHasHeaderByteAndLSBFirstBits(t *testing.T) {
	p := bitpath.Root
	for _, bit := range []bool{true, false, true, true, false, false, false, false, true} {
		p = p.Push(bit)
	}

	encoded := p.Encode()
	require.Len(t, encoded, 3)
	assert.Equal(t, byte(9), encoded[0])
	// Bits 0..7 pack into the first byte LSB-first: 1,0,1,1,0,0,0,0 = 0x0D.
	assert.Equal(t, byte(0x0D), encoded[1])
	assert.Equal(t, byte(0x01), encoded[2])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for height := uint8(0); height <= 40; height += 8 {
		for _, index := range []uint64{0, 1, 5, 1<<uint(height) - 1} {
			if height == 0 && index > 0 {
				continue
			}
			p := bitpath.FromIndex(height, index%(1<<uint(height)|1))
			decoded, err := bitpath.Decode(p.Encode())
			require.NoError(t, err)
			assert.Equal(t, p, decoded)
		}
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	_, err := bitpath.Decode(nil)
	assert.Error(t, err)

	_, err = bitpath.Decode([]byte{9, 0x0D})
	assert.Error(t, err, "missing second bit byte")

	_, err = bitpath.Decode([]byte{65, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err, "length beyond 64 bits")
}

func TestReverseIsInvolution(t *testing.T) {
	p := bitpath.FromIndex(7, 0b1011001)
	assert.Equal(t, p, p.Reverse().Reverse())
}

func TestRootPathEncoding(t *testing.T) {
	encoded := bitpath.Root.Encode()
	require.Equal(t, []byte{0}, encoded)
	decoded, err := bitpath.Decode(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.IsEmpty())
}
