package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the cloud relay. All endpoints exchange JSON under bearer
// authentication; sync calls are cancellable through the caller's context.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a relay client for the given base URL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// IsAvailable probes the relay's health endpoint with a short timeout.
func (c *Client) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Push uploads one encrypted batch.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	var out PushResponse
	if err := c.post(ctx, "/v1/sync/push", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches the remote changes for this device.
func (c *Client) Pull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	var out PullResponse
	if err := c.post(ctx, "/v1/sync/pull", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestDeviceCode starts the OAuth-style device authorization flow.
func (c *Client) RequestDeviceCode(ctx context.Context, fingerprint string) (*DeviceCodeResponse, error) {
	var out DeviceCodeResponse
	body := map[string]string{"device_fingerprint": fingerprint}
	if err := c.post(ctx, "/v1/device/code", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollDeviceToken exchanges a device code for an API key once the user has
// approved it. While approval is pending the relay answers with Pending=true.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode string) (*DeviceTokenResponse, error) {
	var out DeviceTokenResponse
	body := map[string]string{"device_code": deviceCode}
	if err := c.post(ctx, "/v1/device/token", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetupPIN registers the locally sealed verifier and salt with the relay.
func (c *Client) SetupPIN(ctx context.Context, req *PINSetupRequest) error {
	return c.post(ctx, "/v1/account/pin", req, nil)
}

// FetchPINState retrieves the stored verifier and salt for a returning device.
func (c *Client) FetchPINState(ctx context.Context) (*PINStateResponse, error) {
	var out PINStateResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account/pin", nil)
	if err != nil {
		return nil, err
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cloud request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cloud returned %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode cloud response: %w", err)
	}
	return nil
}
