// Package sprites implements the Sprites capability against the fleet's
// remote compute API, with a stub implementation for local/dev use.
package sprites

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

	"github.com/gorilla/websocket"
	"github.com/lattice-run/lattice/internal/capability"
)

// wireSprite is the JSON shape returned by the Sprites REST API.
type wireSprite struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Region string `json:"region"`
	Image  string `json:"image"`
}

// mapStatus folds the provider's raw status vocabulary down to the sprite
// states the Fleet Supervisor understands.
func mapStatus(raw string) string {
	switch raw {
	case "running":
		return "ready"
	case "warm":
		return "waking"
	case "cold", "sleeping":
		return "hibernating"
	default:
		return "error"
	}
}

// Client implements capability.Sprites against the live Sprites REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a live Sprites client.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

var _ capability.Sprites = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &capability.ErrInvalidResponse{Detail: err.Error()}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
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

	if resp.StatusCode == http.StatusNotFound {
		return &capability.ErrNotFound{Resource: path}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &capability.ErrUnauthorized{Detail: resp.Status}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &capability.ErrRateLimited{}
	}
	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(resp.Body)
		return &capability.ErrServerError{Status: resp.StatusCode, Msg: string(msg)}
	}
	if resp.StatusCode >= 400 {
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

func toInfo(w wireSprite) capability.SpriteInfo {
	return capability.SpriteInfo{ID: w.ID, Status: mapStatus(w.Status), Region: w.Region, Image: w.Image}
}

func (c *Client) List(ctx context.Context) ([]capability.SpriteInfo, error) {
	var wire []wireSprite
	if err := c.do(ctx, http.MethodGet, "/v1/sprites", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]capability.SpriteInfo, 0, len(wire))
	for _, w := range wire {
		out = append(out, toInfo(w))
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id string) (capability.SpriteInfo, error) {
	var w wireSprite
	if err := c.do(ctx, http.MethodGet, "/v1/sprites/"+id, nil, &w); err != nil {
		return capability.SpriteInfo{}, err
	}
	return toInfo(w), nil
}

func (c *Client) Create(ctx context.Context, region, image string) (capability.SpriteInfo, error) {
	var w wireSprite
	body := map[string]string{"region": region, "image": image}
	if err := c.do(ctx, http.MethodPost, "/v1/sprites", body, &w); err != nil {
		return capability.SpriteInfo{}, err
	}
	return toInfo(w), nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sprites/"+id, nil, nil)
}

// Wake transitions a sprite from hibernating by PUTting its desired status.
func (c *Client) Wake(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/v1/sprites/"+id, map[string]string{"status": "running"}, nil)
}

// Sleep is a request to idle the sprite back down; the provider has no
// explicit sleep verb, so this is a no-op against an already-observed
// hibernating sprite and otherwise leaves it to the provider's own idle
// timeout.
func (c *Client) Sleep(ctx context.Context, id string) error {
	return nil
}

func (c *Client) Exec(ctx context.Context, id, cmd string) (capability.ExecResult, error) {
	var res capability.ExecResult
	path := fmt.Sprintf("/v1/sprites/%s/exec?cmd=%s", id, cmd)
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return capability.ExecResult{}, err
	}
	return res, nil
}

// wsFrame is one message on the exec_ws wire: either a chunk of output or
// the terminal exit frame.
type wsFrame struct {
	Kind     string `json:"kind"` // "stdout" | "stderr" | "exit"
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// wsURL rewrites the client's http(s) base URL to the matching ws(s) exec
// endpoint for id.
func (c *Client) wsURL(id, cmd string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", &capability.ErrInvalidResponse{Detail: err.Error()}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + fmt.Sprintf("/v1/sprites/%s/exec_ws", id)
	q := u.Query()
	q.Set("cmd", cmd)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExecWS opens a real websocket exec session and streams each output frame
// to onLine as it arrives, so a caller can attach the Protocol Parser to a
// long-running command instead of waiting for it to finish.
func (c *Client) ExecWS(ctx context.Context, id, cmd string, onLine capability.ExecLineFunc) (capability.ExecResult, error) {
	target, err := c.wsURL(id, cmd)
	if err != nil {
		return capability.ExecResult{}, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return capability.ExecResult{}, &capability.ErrNotFound{Resource: id}
		}
		return capability.ExecResult{}, &capability.ErrConnection{Detail: err.Error()}
	}
	defer conn.Close()

	var result capability.ExecResult
	var stdout, stderr strings.Builder
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			return capability.ExecResult{}, &capability.ErrConnection{Detail: err.Error()}
		}

		var frame wsFrame
		if jerr := json.Unmarshal(raw, &frame); jerr != nil {
			// Not a structured frame: treat the raw bytes as a stdout line.
			line := string(raw)
			stdout.WriteString(line)
			stdout.WriteByte('\n')
			if onLine != nil {
				onLine(line)
			}
			continue
		}

		switch frame.Kind {
		case "stderr":
			stderr.WriteString(frame.Data)
			stderr.WriteByte('\n')
			if onLine != nil {
				onLine(frame.Data)
			}
		case "exit":
			result.ExitCode = frame.ExitCode
			result.Stdout = stdout.String()
			result.Stderr = stderr.String()
			return result, nil
		default: // "stdout" and anything unrecognized
			stdout.WriteString(frame.Data)
			stdout.WriteByte('\n')
			if onLine != nil {
				onLine(frame.Data)
			}
		}
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

func (c *Client) FetchLogs(ctx context.Context, id string, lines int) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	path := fmt.Sprintf("/v1/sprites/%s/services?lines=%d", id, lines)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

// FetchOutbox retrieves the sprite's durable event outbox, written
// alongside stdout so a crashed or reconnected exec_ws session can be
// reconciled against what actually happened.
func (c *Client) FetchOutbox(ctx context.Context, id string) (string, error) {
	var out struct {
		Outbox string `json:"outbox"`
	}
	path := fmt.Sprintf("/v1/sprites/%s/outbox", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Outbox, nil
}

func (c *Client) RestoreCheckpoint(ctx context.Context, id, checkpointID string, inputs map[string]interface{}) error {
	body := map[string]interface{}{"checkpoint_id": checkpointID, "inputs": inputs}
	return c.do(ctx, http.MethodPost, "/v1/sprites/"+id+"/checkpoint/restore", body, nil)
}

// WriteResumeFile pushes the marshaled resume payload to the sprite so its
// entrypoint finds it at protocol.ResumeFilePath on re-exec.
func (c *Client) WriteResumeFile(ctx context.Context, id string, payload []byte) error {
	return c.do(ctx, http.MethodPost, "/v1/sprites/"+id+"/resume", json.RawMessage(payload), nil)
}
