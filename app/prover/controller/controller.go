package controller

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/intmax-network/validity-prover/app/prover/types"
	"github.com/intmax-network/validity-prover/pkg/metrics"
)

type Controller struct {
	App *types.App
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{App: app}
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/health", c.HandleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.HandleFunc("/block-number", c.HandleBlockNumber).Methods("GET")
	r.HandleFunc("/validity-proof/{block_number}", c.HandleValidityProof).Methods("GET")
	r.HandleFunc("/validity-pis/{block_number}", c.HandleValidityPis).Methods("GET")
	r.HandleFunc("/sender-leaves/{block_number}", c.HandleSenderLeaves).Methods("GET")
	r.HandleFunc("/block-number-by-tx-tree-root/{root}", c.HandleBlockNumberByTxTreeRoot).Methods("GET")
	r.HandleFunc("/deposit-info/{deposit_hash}", c.HandleDepositInfo).Methods("GET")
	r.HandleFunc("/account-info/{pubkey}", c.HandleAccountInfo).Methods("GET")
	r.HandleFunc("/account-membership-proof/{pubkey}", c.HandleAccountMembershipProof).Methods("GET")
	r.HandleFunc("/block-merkle-proof/{root_block_number}/{leaf_block_number}", c.HandleBlockMerkleProof).Methods("GET")
	r.HandleFunc("/deposit-merkle-proof/{block_number}/{deposit_index}", c.HandleDepositMerkleProof).Methods("GET")

	r.HandleFunc("/prover-task/assign", c.HandleAssign).Methods("POST")
	r.HandleFunc("/prover-task/heartbeat", c.HandleHeartbeat).Methods("POST")
	r.HandleFunc("/prover-task/submit", c.HandleSubmit).Methods("POST")

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message)
}
