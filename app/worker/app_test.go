package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/intmax-network/validity-prover/pkg/config"
	"github.com/intmax-network/validity-prover/pkg/coordinator"
	"github.com/intmax-network/validity-prover/pkg/prover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testApp(coordinatorURL, proverURL string) *App {
	return &App{
		Config: &config.WorkerConfig{
			CoordinatorURL:    coordinatorURL,
			TransitionURL:     proverURL,
			Concurrency:       1,
			HeartbeatInterval: 50 * time.Millisecond,
			IdleWait:          10 * time.Millisecond,
		},
		Logger:      zap.NewNop(),
		Coordinator: prover.NewCoordinatorClient(coordinatorURL, zap.NewNop()),
		Prover:      prover.NewTransitionClient(proverURL, time.Minute, zap.NewNop()),
	}
}

func TestProcessTaskProvesAndSubmits(t *testing.T) {
	var submitted atomic.Value

	coordSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prover-task/heartbeat":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/prover-task/submit":
			var req struct {
				BlockNumber     uint32 `json:"blockNumber"`
				TransitionProof []byte `json:"transitionProof"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			submitted.Store(req.TransitionProof)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer coordSrv.Close()

	proverSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prove", r.URL.Path)
		_ = json.NewEncoder(w).Encode(prover.TransitionResponse{Proof: []byte{0xAB}})
	}))
	defer proverSrv.Close()

	app := testApp(coordSrv.URL, proverSrv.URL)
	app.processTask(context.Background(), app.Logger, &coordinator.AssignedTask{
		BlockNumber:     3,
		ValidityWitness: json.RawMessage(`{}`),
	})

	assert.Equal(t, []byte{0xAB}, submitted.Load())
}

func TestProcessTaskDropsProofOnExpiredLease(t *testing.T) {
	submitCalls := 0
	coordSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prover-task/submit":
			submitCalls++
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "lease expired"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}
	}))
	defer coordSrv.Close()

	proverSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(prover.TransitionResponse{Proof: []byte{0xCD}})
	}))
	defer proverSrv.Close()

	app := testApp(coordSrv.URL, proverSrv.URL)
	app.processTask(context.Background(), app.Logger, &coordinator.AssignedTask{
		BlockNumber:     4,
		ValidityWitness: json.RawMessage(`{}`),
	})

	// Exactly one rejected submission, no retries of a dead lease.
	assert.Equal(t, 1, submitCalls)
}
