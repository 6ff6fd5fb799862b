package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storesync/internal/config"

	"github.com/rs/zerolog"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerAPIKey         = "X-Api-Key"
	headerStoreID        = "X-Store-Id"
)

// HTTPTransport pushes queue items to the central HQ API.
type HTTPTransport struct {
	baseURL    string
	apiKey     string
	storeID    string
	healthPath string
	client     *http.Client
	logger     *zerolog.Logger
}

func NewHTTPTransport(cfg config.CentralConfig, storeID string, logger *zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		storeID:    storeID,
		healthPath: cfg.HealthPath,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		logger: logger,
	}
}

// Push sends one operation. HTTP status mapping:
// 2xx accepted, 409 version conflict, other 4xx rejected, 5xx and
// transport-level failures transient.
func (t *HTTPTransport) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &PushError{Class: ClassRejected, Reason: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, &PushError{Class: ClassRejected, Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(headerIdempotencyKey, req.ItemID)
	httpReq.Header.Set(headerStoreID, t.storeID)
	if t.apiKey != "" {
		httpReq.Header.Set(headerAPIKey, t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &PushError{Class: ClassTransient, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &PushError{Class: ClassTransient, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result PushResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, &PushError{Class: ClassTransient, Reason: "decode response", Err: err}
		}
		return &result, nil

	case resp.StatusCode == http.StatusConflict:
		var vc VersionConflict
		if err := json.Unmarshal(raw, &vc); err != nil {
			return nil, &PushError{Class: ClassTransient, Reason: "decode conflict body", Err: err}
		}
		return nil, &PushError{Class: ClassConflict, Err: &vc}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := rejectionReason(raw, resp.StatusCode)
		return nil, &PushError{Class: ClassRejected, Reason: reason, Err: ErrRejected}

	default:
		return nil, &PushError{
			Class: ClassTransient,
			Err:   fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode),
		}
	}
}

// Health performs the lightweight reachability probe.
func (t *HTTPTransport) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+t.healthPath, nil)
	if err != nil {
		return err
	}
	if t.apiKey != "" {
		httpReq.Header.Set(headerAPIKey, t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func rejectionReason(raw []byte, statusCode int) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("status %d", statusCode)
}
