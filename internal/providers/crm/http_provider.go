package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/util"
)

const maxResponseBytes = 64 * 1024

// HTTPConfig holds connection settings for the CRM HTTP API.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider talks to the CRM over its JSON HTTP API. Updates are
// conditional: the request carries the event's logical timestamp and the CRM
// answers 409 with its current field state when the target has moved on.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPProvider validates the configuration and constructs the provider.
func NewHTTPProvider(cfg HTTPConfig, logger zerolog.Logger) (*HTTPProvider, error) {
	base, err := util.ValidateHTTPURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("crm provider: base url: %w", err)
	}
	cfg.BaseURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "crm_http_provider").Logger(),
	}, nil
}

type updateRequest struct {
	EventID   string          `json:"event_id"`
	Value     json.RawMessage `json:"value"`
	LamportTS int64           `json:"lamport_ts"`
	SessionID string          `json:"session_id"`
}

type updateResponse struct {
	ID string `json:"id"`
}

// Push performs the conditional field update.
func (p *HTTPProvider) Push(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("crm provider: payload is nil")
	}

	body, err := json.Marshal(updateRequest{
		EventID:   payload.EventID,
		Value:     json.RawMessage(payload.Body),
		LamportTS: payload.LamportTS,
		SessionID: payload.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("crm provider: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/records/%s/fields/%s",
		strings.TrimRight(p.cfg.BaseURL, "/"),
		url.PathEscape(payload.RecordID),
		url.PathEscape(payload.FieldKey),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("crm provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.EventID)
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm provider: push: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("crm provider: read response: %w", err)
	}

	out := &RawResponse{
		Code:      resp.StatusCode,
		Body:      string(raw),
		Timestamp: time.Now().UTC(),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok updateResponse
		if err := json.Unmarshal(raw, &ok); err == nil {
			out.ExternalID = ok.ID
		}
	}
	return out, nil
}

// Ping probes the CRM health endpoint.
func (p *HTTPProvider) Ping(ctx context.Context) error {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("crm provider: build ping: %w", err)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("crm provider: ping: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes)) //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("crm provider: ping returned status %d", resp.StatusCode)
	}
	return nil
}
