package controller

import (
	"net/http"
)

// HandleDepositInfo reports where a deposit landed on L2: its leaf index and
// containing block.
func (c *Controller) HandleDepositInfo(w http.ResponseWriter, r *http.Request) {
	depositHash, ok := parseHash(r, "deposit_hash")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deposit hash")
		return
	}
	info, err := c.App.Timeline.DepositInfo(r.Context(), depositHash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if info == nil {
		writeNotFound(w, "deposit not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleDepositMerkleProof serves a historical deposit-tree path.
func (c *Controller) HandleDepositMerkleProof(w http.ResponseWriter, r *http.Request) {
	blockNumber, ok := parseBlockNumber(r, "block_number")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid block number")
		return
	}
	depositIndex, ok := parseBlockNumber(r, "deposit_index")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deposit index")
		return
	}
	last, err := c.App.Generator.LastBlockNumber(r.Context())
	if err != nil || blockNumber > last {
		writeNotFound(w, "block not reconstructed")
		return
	}
	proof, err := c.App.Generator.DepositMerkleProof(r.Context(), blockNumber, depositIndex)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, proof)
}
