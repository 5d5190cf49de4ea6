package stagehandsdk

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
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Stagehand HTTP API client. It can post signed webhook
// bodies (acting as the upstream platform does) and read the ops surface.
type Client struct {
	BaseURL       string
	BasePath      string
	WebhookSecret string
	BearerToken   string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// SignBody computes the hex HMAC-SHA256 signature the platform sends in
// X-Clio-Signature. This is the reference implementation the server's gate
// must agree with byte for byte.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookResult mirrors the server's webhook response body.
type WebhookResult struct {
	Success  bool   `json:"success"`
	Action   string `json:"action"`
	Created  int    `json:"created,omitempty"`
	Updated  int    `json:"updated,omitempty"`
	Deferred int    `json:"deferred,omitempty"`
	Failed   int    `json:"failed,omitempty"`
}

// Task mirrors the persisted task record (partial).
type Task struct {
	ID             string `json:"id"`
	MatterID       int64  `json:"matter_id"`
	StageID        int64  `json:"stage_id"`
	TaskNumber     int    `json:"task_number"`
	Title          string `json:"title"`
	DueDate        string `json:"due_date"`
	AssignedUserID *int64 `json:"assigned_user_id,omitempty"`
	Status         string `json:"status"`
}

// PostWebhook signs body with the configured secret and delivers it.
func (c *Client) PostWebhook(ctx context.Context, body []byte) (WebhookResult, error) {
	var out WebhookResult
	req, err := c.newRequest(ctx, http.MethodPost, "/webhooks/clio", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.WebhookSecret != "" {
		req.Header.Set("X-Clio-Signature", SignBody(c.WebhookSecret, body))
	}
	return out, c.do(req, &out)
}

// Activate performs the one-time provisioning handshake.
func (c *Client) Activate(ctx context.Context, hookSecret string) (WebhookResult, error) {
	var out WebhookResult
	req, err := c.newRequest(ctx, http.MethodPost, "/webhooks/clio", bytes.NewReader([]byte("{}")))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hook-Secret", hookSecret)
	return out, c.do(req, &out)
}

// ListTasks reads materialized tasks, optionally filtered.
func (c *Client) ListTasks(ctx context.Context, matterID, stageID int64) ([]Task, error) {
	q := url.Values{}
	if matterID != 0 {
		q.Set("matter_id", strconv.FormatInt(matterID, 10))
	}
	if stageID != 0 {
		q.Set("stage_id", strconv.FormatInt(stageID, 10))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []Task
	return out, c.do(req, &out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+c.BasePath+path, body)
	if err != nil {
		return nil, err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
