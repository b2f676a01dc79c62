package controller

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/intmax-network/validity-prover/pkg/cache"
)

// parseBlockNumber reads a {block_number}-style path variable.
func parseBlockNumber(r *http.Request, name string) (uint32, bool) {
	raw := mux.Vars(r)[name]
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// parseHash reads a 32-byte hex path variable.
func parseHash(r *http.Request, name string) (common.Hash, bool) {
	raw := mux.Vars(r)[name]
	if len(raw) >= 2 && raw[0] == '0' && (raw[1] == 'x' || raw[1] == 'X') {
		raw = raw[2:]
	}
	if len(raw) != 64 {
		return common.Hash{}, false
	}
	bytes := common.FromHex(raw)
	if len(bytes) != 32 {
		return common.Hash{}, false
	}
	return common.BytesToHash(bytes), true
}

// HandleBlockNumber reports the newest reconstructed block.
func (c *Controller) HandleBlockNumber(w http.ResponseWriter, r *http.Request) {
	blockNumber, err := c.App.Generator.LastBlockNumber(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"blockNumber": blockNumber})
}

// HandleValidityProof serves the cumulative proof for a block, 404 until it
// has been chained.
func (c *Controller) HandleValidityProof(w http.ResponseWriter, r *http.Request) {
	blockNumber, ok := parseBlockNumber(r, "block_number")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid block number")
		return
	}

	key := cache.ValidityProofKey(blockNumber)
	if cached := c.App.Cache.Get(r.Context(), key); cached != nil {
		writeJSON(w, http.StatusOK, map[string][]byte{"proof": cached})
		return
	}

	proof, err := c.App.Coordinator.ValidityProof(r.Context(), blockNumber)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if proof == nil {
		writeNotFound(w, "proof not found")
		return
	}
	c.App.Cache.Set(r.Context(), key, proof)
	writeJSON(w, http.StatusOK, map[string][]byte{"proof": proof})
}

// HandleValidityPis serves the public inputs of a reconstructed block.
func (c *Controller) HandleValidityPis(w http.ResponseWriter, r *http.Request) {
	blockNumber, ok := parseBlockNumber(r, "block_number")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid block number")
		return
	}
	pis, err := c.App.Generator.PublicInputs(r.Context(), blockNumber)
	if err != nil {
		writeNotFound(w, "validity state not found")
		return
	}
	writeJSON(w, http.StatusOK, pis)
}

// HandleSenderLeaves serves the sender slots of a reconstructed block.
func (c *Controller) HandleSenderLeaves(w http.ResponseWriter, r *http.Request) {
	blockNumber, ok := parseBlockNumber(r, "block_number")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid block number")
		return
	}
	leaves, err := c.App.Generator.SenderLeaves(r.Context(), blockNumber)
	if err != nil {
		writeNotFound(w, "validity state not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"senderLeaves": leaves})
}

// HandleBlockNumberByTxTreeRoot resolves the reverse index.
func (c *Controller) HandleBlockNumberByTxTreeRoot(w http.ResponseWriter, r *http.Request) {
	root, ok := parseHash(r, "root")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tx tree root")
		return
	}
	blockNumber, found, err := c.App.Generator.BlockNumberByTxTreeRoot(r.Context(), root)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if !found {
		writeNotFound(w, "tx tree root not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"blockNumber": blockNumber})
}

// HandleBlockMerkleProof serves a historical block-tree path.
func (c *Controller) HandleBlockMerkleProof(w http.ResponseWriter, r *http.Request) {
	rootBlockNumber, ok := parseBlockNumber(r, "root_block_number")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid root block number")
		return
	}
	leafBlockNumber, ok := parseBlockNumber(r, "leaf_block_number")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid leaf block number")
		return
	}
	last, err := c.App.Generator.LastBlockNumber(r.Context())
	if err != nil || rootBlockNumber > last {
		writeNotFound(w, "block not reconstructed")
		return
	}
	proof, err := c.App.Generator.BlockMerkleProof(r.Context(), rootBlockNumber, leafBlockNumber)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proof)
}
