// Package cdn publishes approved media to the streaming CDN. Assets are keyed
// by title, which the pipeline sets to the media id, so a publish retried
// after a crash finds the asset it already created.
package cdn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dharsanguruparan/MediaGate/internal/failure"
)

// Asset is the CDN's view of one published video.
type Asset struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Client talks to the CDN's asset API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient builds a CDN client. Uploads can be large, so the default HTTP
// client has no overall timeout; callers bound each call with ctx.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindAsset looks up an asset by exact title.
func (c *Client) FindAsset(ctx context.Context, title string) (string, bool, error) {
	var out struct {
		Assets []Asset `json:"assets"`
	}
	endpoint := c.baseURL + "/assets?title=" + url.QueryEscape(title)
	if err := c.doJSON(ctx, "cdn find asset", http.MethodGet, endpoint, nil, &out); err != nil {
		return "", false, err
	}
	for _, a := range out.Assets {
		if a.Title == title {
			return a.ID, true, nil
		}
	}
	return "", false, nil
}

// CreateAsset registers a new asset and returns its id.
func (c *Client) CreateAsset(ctx context.Context, title string) (string, error) {
	var out Asset
	if err := c.doJSON(ctx, "cdn create asset", http.MethodPost, c.baseURL+"/assets", map[string]string{"title": title}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", failure.Newf(failure.PermanentServiceError, "cdn create asset", "response missing asset id")
	}
	return out.ID, nil
}

// UploadContent streams the media bytes into an existing asset.
func (c *Client) UploadContent(ctx context.Context, assetID string, r io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.assetURL(assetID)+"/content", r)
	if err != nil {
		return failure.Wrap(failure.PermanentServiceError, "cdn upload", err)
	}
	if size > 0 {
		req.ContentLength = size
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.send(req, "cdn upload")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteAsset removes an asset. A missing asset counts as deleted.
func (c *Client) DeleteAsset(ctx context.Context, assetID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.assetURL(assetID), nil)
	if err != nil {
		return failure.Wrap(failure.PermanentServiceError, "cdn delete asset", err)
	}
	resp, err := c.roundTrip(req, "cdn delete asset")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus(resp, "cdn delete asset")
}

func (c *Client) assetURL(id string) string {
	return c.baseURL + "/assets/" + url.PathEscape(id)
}

func (c *Client) doJSON(ctx context.Context, op, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return failure.Wrap(failure.PermanentServiceError, op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return failure.Wrap(failure.PermanentServiceError, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.send(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failure.Wrap(failure.TransientServiceError, op+": decode response", err)
	}
	return nil
}

// send executes req and converts transport errors and non-2xx statuses into
// classified failures. On success the caller owns resp.Body.
func (c *Client) send(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.roundTrip(req, op)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, op); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(req *http.Request, op string) (*http.Response, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		switch req.Context().Err() {
		case context.DeadlineExceeded:
			return nil, failure.Wrap(failure.Timeout, op, err)
		case context.Canceled:
			return nil, fmt.Errorf("%s: %w", op, context.Canceled)
		}
		return nil, failure.Wrap(failure.TransientServiceError, op, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return failure.FromHTTPStatus(op, resp.StatusCode, string(body))
}
