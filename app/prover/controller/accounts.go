package controller

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
)

// parsePubkey reads a 256-bit hex or decimal path variable.
func parsePubkey(r *http.Request) (*uint256.Int, bool) {
	raw := mux.Vars(r)["pubkey"]
	if raw == "" {
		return nil, false
	}
	if len(raw) >= 2 && raw[0] == '0' && (raw[1] == 'x' || raw[1] == 'X') {
		pubkey, err := uint256.FromHex(raw)
		if err != nil {
			return nil, false
		}
		return pubkey, true
	}
	pubkey, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, false
	}
	return pubkey, true
}

// HandleAccountInfo reports a sender's account id and last activity.
func (c *Controller) HandleAccountInfo(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := parsePubkey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pubkey")
		return
	}
	info, err := c.App.Generator.AccountInfo(r.Context(), pubkey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleAccountMembershipProof proves presence or absence of a pubkey in the
// account tree. block_number defaults to the newest reconstructed block.
func (c *Controller) HandleAccountMembershipProof(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := parsePubkey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pubkey")
		return
	}

	last, err := c.App.Generator.LastBlockNumber(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	blockNumber := last
	if raw := r.URL.Query().Get("block_number"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid block number")
			return
		}
		blockNumber = uint32(n)
	}
	if blockNumber > last {
		writeNotFound(w, "block not reconstructed")
		return
	}

	proof, err := c.App.Generator.AccountMembershipProof(r.Context(), blockNumber, pubkey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, proof)
}
