package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leetlabs/internal/grading/model"
)

const (
	batchPath         = "/batch"
	defaultAuthHeader = "X-Auth-Token"
	maxResponseBytes  = 32 << 20
)

// batchRequest is the wire form of model.ExecutionBatch.
type batchRequest struct {
	RuntimeID        string   `json:"runtimeId"`
	SourceCode       string   `json:"sourceCode"`
	Stdin            []string `json:"stdin"`
	ExpectedOutputs  []string `json:"expectedOutputs"`
	TimeoutPerCaseMs int64    `json:"timeoutPerCaseMs,omitempty"`
}

type batchResponse struct {
	Results []model.RawResult `json:"results"`
}

// response carries one engine reply.
type response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// client posts batches to the execution engine.
type client struct {
	baseURL    string
	authHeader string
	authToken  string
	http       *http.Client
}

func newClient(baseURL, authHeader, authToken string, httpClient *http.Client) *client {
	if authHeader == "" {
		authHeader = defaultAuthHeader
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: authHeader,
		authToken:  authToken,
		http:       httpClient,
	}
}

// post sends payload and returns the raw reply. Only transport failures are errors.
func (c *client) post(ctx context.Context, payload []byte) (response, error) {
	var info response
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchPath, bytes.NewReader(payload))
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set(c.authHeader, c.authToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = body
	return info, nil
}

func encodeBatch(batch model.ExecutionBatch, timeoutPerCase time.Duration) ([]byte, error) {
	return json.Marshal(batchRequest{
		RuntimeID:        batch.RuntimeID,
		SourceCode:       batch.SourceCode,
		Stdin:            batch.Inputs,
		ExpectedOutputs:  batch.ExpectedOutputs,
		TimeoutPerCaseMs: timeoutPerCase.Milliseconds(),
	})
}

func decodeResults(body []byte) ([]model.RawResult, error) {
	var resp batchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}
