package prover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/intmax-network/validity-prover/pkg/coordinator"
	"go.uber.org/zap"
)

// ErrLeaseExpired mirrors the coordinator's 409 rejection on the client side.
var ErrLeaseExpired = errors.New("task lease expired")

// CoordinatorClient is the worker-side client of the coordinator HTTP API.
type CoordinatorClient struct {
	*Client
}

func NewCoordinatorClient(baseURL string, logger *zap.Logger) *CoordinatorClient {
	return &CoordinatorClient{NewClient(baseURL, 30*time.Second, logger.With(zap.String("client", "coordinator")))}
}

type assignResponse struct {
	Task *coordinator.AssignedTask `json:"task"`
}

type heartbeatRequest struct {
	BlockNumber uint32 `json:"blockNumber"`
}

type submitRequest struct {
	BlockNumber     uint32 `json:"blockNumber"`
	TransitionProof []byte `json:"transitionProof"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Assign requests the next task; nil means the queue is empty.
func (c *CoordinatorClient) Assign(ctx context.Context) (*coordinator.AssignedTask, error) {
	var resp assignResponse
	if err := c.post(ctx, "/prover-task/assign", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// Heartbeat refreshes the lease on a task.
func (c *CoordinatorClient) Heartbeat(ctx context.Context, blockNumber uint32) error {
	var resp statusResponse
	err := c.post(ctx, "/prover-task/heartbeat", heartbeatRequest{BlockNumber: blockNumber}, &resp)
	return mapLeaseError(err)
}

// Submit uploads a completed transition proof.
func (c *CoordinatorClient) Submit(ctx context.Context, blockNumber uint32, transitionProof []byte) error {
	var resp statusResponse
	err := c.post(ctx, "/prover-task/submit", submitRequest{
		BlockNumber:     blockNumber,
		TransitionProof: transitionProof,
	}, &resp)
	return mapLeaseError(err)
}

func mapLeaseError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 409 {
		return fmt.Errorf("%w: %s", ErrLeaseExpired, statusErr.Path)
	}
	return err
}
