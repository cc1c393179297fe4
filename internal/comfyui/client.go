// Package comfyui talks to a ComfyUI engine: it submits instantiated
// workflow graphs over the REST queue endpoint and follows job execution on
// the engine's websocket until a terminal event arrives.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"pkt.systems/comfyd/internal/svcfields"
	"pkt.systems/pslog"
)

// Options configures the engine client.
type Options struct {
	// BaseURL is the engine root, e.g. http://127.0.0.1:8188.
	BaseURL string
	// HTTPClient overrides the client used for REST calls. Defaults to a
	// plain http.Client with no timeout.
	HTTPClient *http.Client
	// Logger receives engine-subsystem log entries. Defaults to a noop
	// logger.
	Logger pslog.Logger
}

// Client is a ComfyUI engine client. It is safe for concurrent use; every
// Run opens its own event stream under a fresh client id.
type Client struct {
	baseURL *url.URL
	httpc   *http.Client
	logger  pslog.Logger
	metrics *engineMetrics
}

// New validates the options and returns a Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("comfyui: base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("comfyui: parse base URL %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("comfyui: base URL %q must use http or https", base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("comfyui: base URL %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "engine")
	return &Client{
		baseURL: u,
		httpc:   httpc,
		logger:  logger,
		metrics: newEngineMetrics(logger),
	}, nil
}

type enqueueRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type enqueueResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

func (c *Client) enqueue(ctx context.Context, graph map[string]any, clientID string) (string, error) {
	payload, err := json.Marshal(enqueueRequest{Prompt: graph, ClientID: clientID})
	if err != nil {
		return "", &StartError{Err: fmt.Errorf("encode graph: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath("prompt").String(), bytes.NewReader(payload))
	if err != nil {
		return "", &StartError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &StartError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &StartError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out enqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &StartError{Err: fmt.Errorf("decode enqueue response: %w", err)}
	}
	if out.PromptID == "" {
		return "", &StartError{Err: fmt.Errorf("enqueue response carries no prompt_id")}
	}
	return out.PromptID, nil
}

func (c *Client) history(ctx context.Context, promptID string) (map[string]nodeOutput, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath("history", promptID).String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfyui: fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfyui: fetch history: engine returned status %d", resp.StatusCode)
	}
	var entries map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("comfyui: decode history: %w", err)
	}
	return entries[promptID].Outputs, nil
}

// Interrupt asks the engine to abort the currently executing job. The call
// is engine-global: ComfyUI interrupts whatever runs right now.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath("interrupt").String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("comfyui: interrupt: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("comfyui: interrupt: engine returned status %d", resp.StatusCode)
	}
	return nil
}

// ArtifactURL returns the engine view URL serving the referenced image.
func (c *Client) ArtifactURL(ref ImageRef) string {
	u := c.baseURL.JoinPath("view")
	q := url.Values{}
	q.Set("filename", ref.Filename)
	if ref.Subfolder != "" {
		q.Set("subfolder", ref.Subfolder)
	}
	typ := ref.Type
	if typ == "" {
		typ = "output"
	}
	q.Set("type", typ)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) connect(ctx context.Context, clientID string) (*websocket.Conn, error) {
	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	joined := wsURL.JoinPath("ws")
	q := joined.Query()
	q.Set("clientId", clientID)
	joined.RawQuery = q.Encode()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, joined.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, &StartError{Err: fmt.Errorf("open event stream: %w", err)}
	}
	return conn, nil
}
