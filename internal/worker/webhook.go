// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/applyflow/applyflow/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type terminalWebhookPayload struct {
	UserID     string                `json:"user_id"`
	Status     domain.ResponseStatus `json:"status"`
	Step       int                   `json:"step"`
	Reason     string                `json:"reason,omitempty"`
	FinishedAt time.Time             `json:"finished_at"`
}

// deliverTerminalWebhook notifies the interaction gateway that a session
// settled in the background, so it can render the final message to the
// user. Delivery is best effort with a small retry budget.
func (w *Worker) deliverTerminalWebhook(ctx context.Context, userID string, resp domain.EngineResponse) {
	webhookURL := strings.TrimSpace(w.webhookURL)
	if webhookURL == "" || w.httpClient == nil {
		return
	}

	body, err := json.Marshal(terminalWebhookPayload{
		UserID:     userID,
		Status:     resp.Status,
		Step:       resp.Step,
		Reason:     resp.Reason,
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed",
			"user_id", userID,
			"status", resp.Status,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(w.webhookSecret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		httpResp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"user_id", userID,
				"status", resp.Status,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, httpResp.Body)
			httpResp.Body.Close()

			if httpResp.StatusCode >= http.StatusOK && httpResp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook delivered",
					"user_id", userID,
					"status", resp.Status,
					"attempt", attempt,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", httpResp.StatusCode)
			w.logger.Warn("webhook failure",
				"user_id", userID,
				"status", resp.Status,
				"attempt", attempt,
				"response_status", httpResp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Warn("webhook canceled before retry",
					"user_id", userID,
					"status", resp.Status,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		w.logger.Error("webhook retries exhausted",
			"user_id", userID,
			"status", resp.Status,
			"error", lastErr,
		)
	}
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
