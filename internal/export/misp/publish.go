package misp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
)

// PublishConfig controls delivery retry behavior.
type PublishConfig struct {
	URL            string
	Key            string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultPublishConfig returns sane defaults.
func DefaultPublishConfig(url, key string) PublishConfig {
	return PublishConfig{
		URL:            url,
		Key:            key,
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        15 * time.Second,
	}
}

// Publisher delivers built MISP events to a remote instance over its REST
// API. Delivery is an outbound concern only: nothing here writes back to
// the scan store.
type Publisher struct {
	cfg    PublishConfig
	client *http.Client
	logger zerolog.Logger
}

func NewPublisher(cfg PublishConfig, logger zerolog.Logger) *Publisher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "misp-publish").Logger(),
	}
}

// Publish POSTs the event to the instance's events/add endpoint. Transient
// failures (network errors, 5xx, 429) retry with exponential backoff;
// other client errors fail immediately. The returned error is always a
// *core.ExportPublishError on failure.
func (p *Publisher) Publish(ctx context.Context, ev *Event) error {
	if p.cfg.URL == "" || p.cfg.Key == "" {
		return &core.ExportPublishError{
			Endpoint: p.cfg.URL,
			Err:      fmt.Errorf("publish requires both a MISP URL and an API key"),
		}
	}

	body, err := ev.Marshal()
	if err != nil {
		return &core.ExportPublishError{Endpoint: p.cfg.URL, Err: err}
	}
	endpoint := p.cfg.URL + "/events/add"

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt-1); err != nil {
				break
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return &core.ExportPublishError{Endpoint: endpoint, Err: err}
		}
		req.Header.Set("Authorization", p.cfg.Key)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "tracelight-misp/1.0")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			lastStatus = 0
			p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("publish request failed")
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			p.logger.Info().
				Str("event_uuid", ev.UUID).
				Int("attempts", attempt+1).
				Msg("misp event published")
			return nil
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &core.ExportPublishError{
				Endpoint: endpoint,
				Status:   resp.StatusCode,
				Err:      fmt.Errorf("instance rejected event: HTTP %d", resp.StatusCode),
			}
		}

		lastErr = fmt.Errorf("server error: HTTP %d", resp.StatusCode)
		lastStatus = resp.StatusCode
		p.logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("publish retrying")
	}

	return &core.ExportPublishError{Endpoint: endpoint, Status: lastStatus, Err: lastErr}
}

func (p *Publisher) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(float64(p.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
	if delay > p.cfg.MaxBackoff {
		delay = p.cfg.MaxBackoff
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
