// Package transcribe adapts the audio transcription and language analyzer.
// Transcribe never returns an error; failures become a failed
// analysis.Transcript.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/MediaGate/internal/analysis"
	"github.com/dharsanguruparan/MediaGate/internal/failure"
	"github.com/dharsanguruparan/MediaGate/internal/resilience"
)

const op = "transcribe"

// Config configures the transcription client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// Client calls the transcriber's /v1/transcribe endpoint.
type Client struct {
	cfg      Config
	http     *http.Client
	policies []failsafe.Policy[any]
	logger   logrus.FieldLogger
}

type request struct {
	MediaURI string `json:"mediaUri"`
}

type response struct {
	Text               string  `json:"text"`
	Language           string  `json:"language"`
	LanguageConfidence float64 `json:"languageConfidence"`
}

// NewClient builds a client guarded by a retry policy and a circuit breaker.
func NewClient(cfg Config, logger logrus.FieldLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	logger = logger.WithField("channel", "transcription")
	return &Client{
		cfg:  cfg,
		http: &http.Client{},
		policies: []failsafe.Policy[any]{
			resilience.NewRetryPolicy(cfg.Retry, func(attempt int, err error) {
				logger.WithError(err).WithField("attempt", attempt).Warn("retrying transcription")
			}),
			resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "transcription", Logger: logger}),
		},
		logger: logger,
	}
}

// Transcribe extracts speech from the media at mediaURI. Silent media yields a
// successful, empty transcript.
func (c *Client) Transcribe(ctx context.Context, mediaURI string) analysis.Transcript {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out response
	err := resilience.Run(ctx, func(ctx context.Context) error {
		return c.call(ctx, mediaURI, &out)
	}, c.policies...)
	err = resilience.Translate(op, err)
	if err != nil {
		kind := analysis.FailureKind(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = failure.Timeout
		}
		c.logger.WithError(err).WithField("kind", kind).Warn("transcription failed")
		return analysis.TranscriptFailed(kind)
	}
	return analysis.TranscriptSucceeded(out.Text, out.Language, out.LanguageConfidence)
}

func (c *Client) call(ctx context.Context, mediaURI string, out *response) error {
	body, err := json.Marshal(request{MediaURI: mediaURI})
	if err != nil {
		return failure.Wrap(failure.PermanentServiceError, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/v1/transcribe", bytes.NewReader(body))
	if err != nil {
		return failure.Wrap(failure.PermanentServiceError, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return failure.Wrap(failure.TransientServiceError, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return failure.FromHTTPStatus(op, resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failure.Wrap(failure.PermanentServiceError, op+": decode response", err)
	}
	return nil
}
