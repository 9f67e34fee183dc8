package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnavailable 表示 agent 服务不可达、超时或返回 5xx。
	ErrUnavailable = errors.New("analyzer unavailable")
	// ErrUnauthorized 表示 agent 服务拒绝了凭据（401/403）。
	ErrUnauthorized = errors.New("analyzer unauthorized")
)

// Request 是一次 agent 调用。SessionID 每个请求唯一，State 作为会话初始状态下发，
// 服务端不会看到其他请求的状态。
type Request struct {
	SessionID string
	Agent     string
	Prompt    string
	State     map[string]any
}

// Invoker 是 agent 执行服务的最小接口，dispatch 只依赖它。
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// Client 对接 agent 执行服务的 HTTP API：
// 先创建会话 POST /apps/{app}/users/{user}/sessions/{session}，再 POST /run 拿事件流，
// 取最后一条带文本的事件作为最终回复。
type Client struct {
	Endpoint string
	APIKey   string
	AppName  string
	UserID   string

	HTTPClient *http.Client
}

func NewClient(endpoint, apiKey, appName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		Endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		APIKey:     strings.TrimSpace(apiKey),
		AppName:    appName,
		UserID:     "forensic_ledger",
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type runReq struct {
	AppName    string  `json:"appName"`
	UserID     string  `json:"userId"`
	SessionID  string  `json:"sessionId"`
	NewMessage content `json:"newMessage"`
}

type runEvent struct {
	Author  string   `json:"author"`
	Content *content `json:"content,omitempty"`
}

func (c *Client) Invoke(ctx context.Context, req Request) (string, error) {
	if c.Endpoint == "" {
		return "", fmt.Errorf("analyzer endpoint is not configured: %w", ErrUnavailable)
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}

	sessionURL := fmt.Sprintf("%s/apps/%s/users/%s/sessions/%s", c.Endpoint,
		url.PathEscape(c.AppName), url.PathEscape(c.UserID), url.PathEscape(req.SessionID))
	state := req.State
	if state == nil {
		state = map[string]any{}
	}
	if _, err := c.post(ctx, sessionURL, map[string]any{"state": state}); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	body, err := c.post(ctx, c.Endpoint+"/run", runReq{
		AppName:   c.AppName,
		UserID:    c.UserID,
		SessionID: req.SessionID,
		NewMessage: content{
			Role:  "user",
			Parts: []part{{Text: req.Prompt}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("run agent %s: %w", req.Agent, err)
	}

	var events []runEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return "", fmt.Errorf("decode run events: %w", err)
	}
	return finalText(events), nil
}

// finalText 取最后一条带文本的事件。
func finalText(events []runEvent) string {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Content == nil {
			continue
		}
		for _, p := range ev.Content.Parts {
			if strings.TrimSpace(p.Text) != "" {
				return p.Text
			}
		}
	}
	return ""
}

func (c *Client) post(ctx context.Context, target string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 120 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", err, ErrUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("http %d: %w", resp.StatusCode, ErrUnauthorized)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("http %d: %s: %w", resp.StatusCode, snippet(b), ErrUnavailable)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, snippet(b))
	}
	return b, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("timeout: %w: %w", err, ErrUnavailable)
	}
	return fmt.Errorf("%w: %w", err, ErrUnavailable)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
