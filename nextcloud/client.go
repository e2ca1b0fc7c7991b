// Package nextcloud talks to the OCS API of a Nextcloud instance.
package nextcloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError indicates a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

// IsNotModified checks if an error is an HTTP 304, which the activity API
// answers when there is no (more) activity.
func IsNotModified(err error) bool {
	var status *StatusError
	return errors.As(err, &status) && status.Code == http.StatusNotModified
}

// Client is an authenticated OCS API client.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	username string
	password string
}

// New creates a new client for the instance at baseURL.
func New(client *http.Client, baseURL, username, password string, logger *slog.Logger) *Client {
	return &Client{
		client:   client,
		logger:   logger,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
	}
}

type envelope struct {
	OCS struct {
		Meta struct {
			Status     string `json:"status"`
			Message    string `json:"message"`
			StatusCode int    `json:"statuscode"`
		} `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

// ocs calls /ocs/v2.php/apps/{path} and decodes the envelope's data into out.
func (c *Client) ocs(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("format", "json")
	reqURL := fmt.Sprintf("%s/ocs/v2.php/apps/%s?%s", c.baseURL, path, params.Encode())

	c.logger.Debug("HTTP request starting",
		"method", method,
		"url", reqURL,
		"purpose", path)

	req, err := http.NewRequestWithContext(ctx, method, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("OCS-APIRequest", "true")
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"url", reqURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"url", reqURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: reqURL, Code: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if out == nil || len(env.OCS.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.OCS.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

// DirectLink asks the server for a short-lived unauthenticated download link.
func (c *Client) DirectLink(ctx context.Context, fileID string) (string, error) {
	var data struct {
		URL string `json:"url"`
	}
	if err := c.ocs(ctx, http.MethodPost, "dav/api/v1/direct", url.Values{"fileId": {fileID}}, &data); err != nil {
		return "", fmt.Errorf("create direct link for file %s: %w", fileID, err)
	}
	if data.URL == "" {
		return "", fmt.Errorf("create direct link for file %s: empty url", fileID)
	}
	return data.URL, nil
}

// Download streams the content behind a direct link into w.
func (c *Client) Download(ctx context.Context, link string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: link, Code: resp.StatusCode}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("read download body: %w", err)
	}

	c.logger.Debug("File downloaded",
		"bytes", n,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}
