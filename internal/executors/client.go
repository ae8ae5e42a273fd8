// SPDX-License-Identifier: Apache-2.0

// Package executors holds the six workflow step executors and the shared
// client for the external verification service.
package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const headerIdempotencyKey = "Idempotency-Key"

// VerifyClient talks to the external verification service. Every call is
// bounded by the client timeout; transport failures and 5xx responses are
// treated as transient, definitive rejections as permanent.
type VerifyClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewVerifyClient(baseURL string, timeout time.Duration, logger *slog.Logger) *VerifyClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &VerifyClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type verifyRequest struct {
	Fields map[string]string `json:"fields"`
}

type verifyResponse struct {
	OK     bool              `json:"ok"`
	Reason string            `json:"reason,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// callResult distinguishes the three ways a verification call can land.
type callResult struct {
	Fields    map[string]string
	Rejected  bool
	Transient bool
	Reason    string
}

// post performs one verification call. idempotencyKey, when non-empty, is
// forwarded so the service can deduplicate re-invocations of the same
// effect.
func (c *VerifyClient) post(ctx context.Context, path string, fields map[string]string, idempotencyKey string) callResult {
	body, err := json.Marshal(verifyRequest{Fields: fields})
	if err != nil {
		return callResult{Transient: true, Reason: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return callResult{Transient: true, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("verification call failed", "path", path, "error", err)
		return callResult{Transient: true, Reason: fmt.Sprintf("verification unreachable: %v", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("verification server error", "path", path, "status", resp.StatusCode)
		return callResult{Transient: true, Reason: fmt.Sprintf("verification returned %d", resp.StatusCode)}
	}

	var parsed verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return callResult{Transient: true, Reason: fmt.Sprintf("decode response: %v", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest || !parsed.OK {
		reason := parsed.Reason
		if reason == "" {
			reason = fmt.Sprintf("verification rejected with %d", resp.StatusCode)
		}
		return callResult{Rejected: true, Reason: reason}
	}

	return callResult{Fields: parsed.Fields}
}
