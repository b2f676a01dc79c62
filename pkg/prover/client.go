// Package prover wraps the HTTP services around the SNARK black boxes: the
// transition prover turns one block's witness into a transition proof, the
// wrap prover folds a transition proof into the cumulative validity proof,
// and the coordinator client is the worker's view of the task queue.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/intmax-network/validity-prover/pkg/retry"
	"github.com/intmax-network/validity-prover/pkg/utils"
	"go.uber.org/zap"
)

// HTTPStatusError is a non-200 response. 4xx statuses are permanent and never
// retried.
type HTTPStatusError struct {
	Path       string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Path, e.StatusCode)
}

// Client calls one JSON-over-HTTP service.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// postOnce performs a single call.
func (c *Client) postOnce(ctx context.Context, path string, request, response any) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()
	if resp.StatusCode != http.StatusOK {
		return &HTTPStatusError{Path: path, StatusCode: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(response)
}

// post retries transport errors and 5xx responses with backoff; 4xx responses
// surface immediately.
func (c *Client) post(ctx context.Context, path string, request, response any) error {
	var permanent error
	err := retry.WithBackoff(ctx, retry.RPCConfig(), c.logger, "post "+path, func() error {
		permanent = nil
		err := c.postOnce(ctx, path, request, response)
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			permanent = err
			return nil
		}
		return err
	})
	if permanent != nil {
		return permanent
	}
	return err
}

// WrapRequest folds transitionProof into prevProof. PrevProof is empty for
// block 0.
type WrapRequest struct {
	PrevProof       []byte `json:"prevProof,omitempty"`
	TransitionProof []byte `json:"transitionProof"`
}

type WrapResponse struct {
	Proof []byte `json:"proof"`
}

// WrapClient implements coordinator.WrapProver over HTTP.
type WrapClient struct {
	*Client
}

func NewWrapClient(baseURL string, timeout time.Duration, logger *zap.Logger) *WrapClient {
	return &WrapClient{NewClient(baseURL, timeout, logger.With(zap.String("prover", "wrap")))}
}

func (c *WrapClient) Wrap(ctx context.Context, prevProof, transitionProof []byte) ([]byte, error) {
	var resp WrapResponse
	err := c.post(ctx, "/wrap", WrapRequest{PrevProof: prevProof, TransitionProof: transitionProof}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Proof) == 0 {
		return nil, fmt.Errorf("wrap prover returned empty proof")
	}
	return resp.Proof, nil
}

// TransitionRequest carries everything the transition circuit needs for one
// block.
type TransitionRequest struct {
	BlockNumber     uint32          `json:"blockNumber"`
	ValidityWitness json.RawMessage `json:"validityWitness"`
	PrevValidityPis json.RawMessage `json:"prevValidityPis,omitempty"`
}

type TransitionResponse struct {
	Proof []byte `json:"proof"`
}

// TransitionClient is used by workers to produce transition proofs.
type TransitionClient struct {
	*Client
}

func NewTransitionClient(baseURL string, timeout time.Duration, logger *zap.Logger) *TransitionClient {
	return &TransitionClient{NewClient(baseURL, timeout, logger.With(zap.String("prover", "transition")))}
}

func (c *TransitionClient) Prove(ctx context.Context, req TransitionRequest) ([]byte, error) {
	var resp TransitionResponse
	if err := c.post(ctx, "/prove", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Proof) == 0 {
		return nil, fmt.Errorf("transition prover returned empty proof")
	}
	return resp.Proof, nil
}
