// Package fly implements the Fly capability against the Fly Machines REST
// API directly over HTTP (no flyctl shell-out).
package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lattice-run/lattice/internal/capability"
)

const apiBase = "https://api.machines.dev/v1"

// Client implements capability.Fly against the live Fly Machines API.
type Client struct {
	org   string
	token string
	http  *http.Client
}

// New builds a live Fly client.
func New(org, token string) *Client {
	return &Client{org: org, token: token, http: &http.Client{Timeout: 30 * time.Second}}
}

var _ capability.Fly = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &capability.ErrInvalidResponse{Detail: err.Error()}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiBase+path, reader)
	if err != nil {
		return &capability.ErrConnection{Detail: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &capability.ErrConnection{Detail: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &capability.ErrNotFound{Resource: path}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &capability.ErrUnauthorized{Detail: resp.Status}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &capability.ErrRateLimited{}
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(resp.Body)
		return &capability.ErrServerError{Status: resp.StatusCode, Msg: string(msg)}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(resp.Body)
		return &capability.ErrClientError{Status: resp.StatusCode, Msg: string(msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &capability.ErrInvalidResponse{Detail: err.Error()}
	}
	return nil
}

func (c *Client) Status(ctx context.Context, app string) (capability.MachineStatus, error) {
	var machines []struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/apps/%s/machines", app), nil, &machines); err != nil {
		return capability.MachineStatus{}, err
	}
	state := "unknown"
	if len(machines) > 0 {
		state = machines[0].State
	}
	return capability.MachineStatus{AppName: app, State: state}, nil
}

func (c *Client) Restart(ctx context.Context, app string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/restart", app), nil, nil)
}

func (c *Client) Deploy(ctx context.Context, app, image string) error {
	body := map[string]string{"image": image}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/deploy", app), body, nil)
}

func (c *Client) Scale(ctx context.Context, app string, count int) error {
	body := map[string]int{"count": count}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/scale", app), body, nil)
}
