package scope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ApprovalStatus is the state of a proposal in the external approval workflow.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ErrApprovalTimeout is returned when the wait deadline passes with the
// proposal still pending. The caller treats it as denial.
var ErrApprovalTimeout = errors.New("approval wait timed out")

// ApprovalSource reports the current status of an approval proposal.
type ApprovalSource interface {
	Status(ctx context.Context, approvalID string) (ApprovalStatus, error)
}

// HTTPApprovalSource polls an external approvals service over HTTP.
type HTTPApprovalSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPApprovalSource creates a source rooted at baseURL
// (GET {baseURL}/approvals/{id} returning {"status": "..."}).
func NewHTTPApprovalSource(baseURL string) *HTTPApprovalSource {
	return &HTTPApprovalSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPApprovalSource) Status(ctx context.Context, approvalID string) (ApprovalStatus, error) {
	endpoint := s.baseURL + "/approvals/" + url.PathEscape(approvalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("approval status: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("approval status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("approval status: unexpected HTTP %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("approval status: %w", err)
	}
	return ApprovalStatus(body.Status), nil
}

// ApprovalWaiter polls an ApprovalSource until the proposal reaches a
// terminal state or the wait deadline passes. There is no unbounded wait:
// expiry resolves to denial, and a rejected proposal is final for the
// request — it is never retried.
type ApprovalWaiter struct {
	source   ApprovalSource
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewApprovalWaiter creates a waiter with the given poll interval and hard
// deadline.
func NewApprovalWaiter(source ApprovalSource, interval, timeout time.Duration, logger *zap.Logger) *ApprovalWaiter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ApprovalWaiter{source: source, interval: interval, timeout: timeout, logger: logger}
}

// Wait blocks until the proposal is approved (true), rejected or expired
// (false), or the deadline passes (false, ErrApprovalTimeout).
func (w *ApprovalWaiter) Wait(ctx context.Context, approvalID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		status, err := w.source.Status(ctx, approvalID)
		if err != nil {
			// Transient source errors keep polling; the deadline bounds them.
			w.logger.Warn("approval status check failed",
				zap.String("approval_id", approvalID),
				zap.Error(err),
			)
		} else {
			switch status {
			case ApprovalApproved:
				return true, nil
			case ApprovalRejected, ApprovalExpired:
				return false, nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, fmt.Errorf("approval %q: %w", approvalID, ErrApprovalTimeout)
		}
	}
}
