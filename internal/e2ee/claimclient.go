package e2ee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
)

// KeyDirectoryClient talks to the key directory server: claiming one-time
// keys for the encrypt flow, and uploading/fetching device keys for the
// surrounding tooling. It implements ClaimClient.
type KeyDirectoryClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *log.Logger
}

// NewKeyDirectoryClient creates a client for the key directory at baseURL.
// A nil httpClient falls back to a default client; token, when non-empty,
// is sent as a bearer token.
func NewKeyDirectoryClient(baseURL, token string, httpClient *http.Client, logger *log.Logger) *KeyDirectoryClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &KeyDirectoryClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ClaimKeys calls POST /keys/claim with the batched one-time key request.
func (c *KeyDirectoryClient) ClaimKeys(ctx context.Context, req *ClaimRequest) (*ClaimResponse, error) {
	var result ClaimResponse
	if err := c.postJSON(ctx, "/keys/claim", req, &result); err != nil {
		return nil, fmt.Errorf("claim keys: %w", err)
	}
	logf(c.logger, "claimed one-time keys for %d users (%d failures)",
		len(result.OneTimeKeys), len(result.Failures))
	return &result, nil
}

// UploadRequest publishes a device's identity keys and a batch of signed
// one-time keys. One-time key entries are keyed "signed_curve25519:<keyID>"
// and carry the signed key object verbatim.
type UploadRequest struct {
	Device
	OneTimeKeys map[string]json.RawMessage `json:"one_time_keys"`
}

// UploadKeys calls PUT /keys/upload to publish device keys.
func (c *KeyDirectoryClient) UploadKeys(ctx context.Context, req *UploadRequest) error {
	if err := c.putJSON(ctx, "/keys/upload", req); err != nil {
		return fmt.Errorf("upload keys: %w", err)
	}
	logf(c.logger, "uploaded %d one-time keys for %s/%s", len(req.OneTimeKeys), req.UserID, req.DeviceID)
	return nil
}

// DeviceKeys calls GET /keys/device/{user}/{device} to resolve a device's
// published identity keys.
func (c *KeyDirectoryClient) DeviceKeys(ctx context.Context, userID, deviceID string) (*Device, error) {
	path := "/keys/device/" + url.PathEscape(userID) + "/" + url.PathEscape(deviceID)
	var device Device
	if err := c.getJSON(ctx, path, &device); err != nil {
		return nil, fmt.Errorf("device keys: %w", err)
	}
	return &device, nil
}

func (c *KeyDirectoryClient) postJSON(ctx context.Context, path string, req, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, req, result)
}

func (c *KeyDirectoryClient) putJSON(ctx context.Context, path string, req any) error {
	return c.doJSON(ctx, http.MethodPut, path, req, nil)
}

func (c *KeyDirectoryClient) getJSON(ctx context.Context, path string, result any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, result)
}

func (c *KeyDirectoryClient) doJSON(ctx context.Context, method, path string, req, result any) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
