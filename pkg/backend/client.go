// Package backend — клиент CRM-бэкенда: REST для запросов и WebSocket
// для push-событий о статусах агентов.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// AgentStatus статус агента в ответах бэкенда.
type AgentStatus struct {
	Extension   string `json:"extension"`
	Name        string `json:"name"`
	DeviceState string `json:"device_state"`
	Paused      bool   `json:"paused"`
	Registered  bool   `json:"registered"`
	ContactURI  string `json:"contact_uri,omitempty"`
}

// Client REST-клиент бэкенда.
type Client struct {
	base  *url.URL
	token string
	httpc *http.Client
}

// NewClient создает клиент для baseURL (например "https://crm.local/api").
func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse backend url")
	}
	return &Client{
		base:  u,
		token: token,
		httpc: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// FetchAgentStatus возвращает статус одного агента.
func (c *Client) FetchAgentStatus(ctx context.Context, ext string) (AgentStatus, error) {
	var out AgentStatus
	err := c.do(ctx, http.MethodGet, "agent-status/"+url.PathEscape(ext), nil, &out)
	return out, errors.Wrap(err, "fetch agent status")
}

// FetchRoster возвращает статусы всех агентов.
func (c *Client) FetchRoster(ctx context.Context) ([]AgentStatus, error) {
	var out []AgentStatus
	err := c.do(ctx, http.MethodGet, "agent-status", nil, &out)
	return out, errors.Wrap(err, "fetch roster")
}

// SetPresence публикует паузу/снятие паузы агента.
func (c *Client) SetPresence(ctx context.Context, ext string, paused bool) error {
	body := map[string]any{"extension": ext, "paused": paused}
	return errors.Wrap(c.do(ctx, http.MethodPost, "agent-presence", body, nil), "set presence")
}

// NotifyLogout сообщает бэкенду о выходе агента. Best-effort при teardown.
func (c *Client) NotifyLogout(ctx context.Context, ext string) error {
	body := map[string]any{"extension": ext}
	return errors.Wrap(c.do(ctx, http.MethodPost, "agent-logout", body, nil), "notify logout")
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	u := c.base.JoinPath(path)

	var rd io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("backend %s %s: %s: %s", method, path, resp.Status, snippet)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
