package controller

import (
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlockNumber(t *testing.T) {
	r := httptest.NewRequest("GET", "/validity-proof/42", nil)
	r = mux.SetURLVars(r, map[string]string{"block_number": "42"})
	n, ok := parseBlockNumber(r, "block_number")
	require.True(t, ok)
	assert.Equal(t, uint32(42), n)

	r = mux.SetURLVars(r, map[string]string{"block_number": "-1"})
	_, ok = parseBlockNumber(r, "block_number")
	assert.False(t, ok)

	r = mux.SetURLVars(r, map[string]string{"block_number": "nope"})
	_, ok = parseBlockNumber(r, "block_number")
	assert.False(t, ok)
}

func TestParseHash(t *testing.T) {
	raw := "0x4444444444444444444444444444444444444444444444444444444444444444"
	r := httptest.NewRequest("GET", "/deposit-info/"+raw, nil)
	r = mux.SetURLVars(r, map[string]string{"deposit_hash": raw})
	h, ok := parseHash(r, "deposit_hash")
	require.True(t, ok)
	assert.Equal(t, raw, h.Hex())

	// Bare hex without the 0x prefix is accepted.
	r = mux.SetURLVars(r, map[string]string{"deposit_hash": raw[2:]})
	_, ok = parseHash(r, "deposit_hash")
	assert.True(t, ok)

	// Too short or non-hex is rejected.
	r = mux.SetURLVars(r, map[string]string{"deposit_hash": "0x1234"})
	_, ok = parseHash(r, "deposit_hash")
	assert.False(t, ok)

	r = mux.SetURLVars(r, map[string]string{"deposit_hash": "zz44444444444444444444444444444444444444444444444444444444444444"})
	_, ok = parseHash(r, "deposit_hash")
	assert.False(t, ok)
}

func TestParsePubkey(t *testing.T) {
	r := httptest.NewRequest("GET", "/account-info/12345", nil)
	r = mux.SetURLVars(r, map[string]string{"pubkey": "12345"})
	pubkey, ok := parsePubkey(r)
	require.True(t, ok)
	assert.Equal(t, uint256.NewInt(12345), pubkey)

	r = mux.SetURLVars(r, map[string]string{"pubkey": "0xff"})
	pubkey, ok = parsePubkey(r)
	require.True(t, ok)
	assert.Equal(t, uint256.NewInt(255), pubkey)

	r = mux.SetURLVars(r, map[string]string{"pubkey": "not-a-number"})
	_, ok = parsePubkey(r)
	assert.False(t, ok)
}
