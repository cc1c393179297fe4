package comfyd

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	// DefaultListen is the TCP endpoint the gateway binds to.
	DefaultListen = ":8744"
	// DefaultSSEPath is the push-channel endpoint clients open with GET.
	DefaultSSEPath = "/sse"
	// DefaultMessagesPath is the side-channel endpoint clients POST calls to.
	DefaultMessagesPath = "/messages"
	// DefaultEngineURL points at a ComfyUI instance on its stock port.
	DefaultEngineURL = "http://127.0.0.1:8188"
	// DefaultPromptField is the input written with the caller's prompt text.
	DefaultPromptField = "text"
	// DefaultSeedField is the input written with the per-call random seed.
	DefaultSeedField = "seed"
	// DefaultToolName is the tool the gateway exposes.
	DefaultToolName = "generate_image"
	// DefaultRehostPrefix prefixes every re-hosted object key.
	DefaultRehostPrefix = "comfyd"
	// DefaultRehostMaxBytes caps artifact size for re-hosting (64 MiB).
	DefaultRehostMaxBytes = int64(64 << 20)
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config controls the comfyd gateway runtime behaviour.
type Config struct {
	// Listen is the gateway bind address.
	Listen string
	// SSEPath serves the push channel (GET, text/event-stream).
	SSEPath string
	// MessagesPath serves the side channel (POST, session-addressed).
	MessagesPath string
	// EngineURL is the ComfyUI base URL (http or https).
	EngineURL string
	// WorkflowPath points at the workflow template JSON (API format).
	WorkflowPath string
	// PromptNode / PromptField address the template input receiving the
	// caller's prompt.
	PromptNode  string
	PromptField string
	// SeedNode / SeedField address the template input receiving the
	// per-call random seed.
	SeedNode  string
	SeedField string
	// OutputNode is the node whose images slot carries the artifact.
	OutputNode string
	// WatchWorkflow hot-reloads the template when the file changes.
	WatchWorkflow bool
	// RehostStoreURL enables artifact re-hosting when set (s3://, aws://,
	// azure://, mem://).
	RehostStoreURL string
	// RehostPublicURL overrides the store-derived base for returned URLs.
	RehostPublicURL string
	// RehostPrefix is prepended to re-hosted object keys.
	RehostPrefix string
	// RehostMaxBytes caps the artifact size accepted for re-hosting.
	RehostMaxBytes int64
	// ToolName overrides the exposed tool name.
	ToolName string
	// OTLPEndpoint enables OTLP trace export when set (grpc:// or http://).
	OTLPEndpoint string
	// MetricsListen enables the Prometheus scrape listener when set.
	MetricsListen string
	// PprofListen enables the pprof debug listener when set.
	PprofListen string
}

// Validate applies defaults and sanity-checks the configuration. It is the
// first thing NewServer does; a failure here is fatal before any socket
// opens.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	c.SSEPath = cleanHTTPPath(c.SSEPath, DefaultSSEPath)
	c.MessagesPath = cleanHTTPPath(c.MessagesPath, DefaultMessagesPath)
	if c.SSEPath == c.MessagesPath {
		return fmt.Errorf("config: sse path and messages path must differ")
	}
	if strings.TrimSpace(c.EngineURL) == "" {
		c.EngineURL = DefaultEngineURL
	}
	engineURL, err := url.Parse(c.EngineURL)
	if err != nil {
		return fmt.Errorf("config: engine url: %w", err)
	}
	if engineURL.Scheme != "http" && engineURL.Scheme != "https" {
		return fmt.Errorf("config: engine url %q must use http or https", c.EngineURL)
	}
	if engineURL.Host == "" {
		return fmt.Errorf("config: engine url %q has no host", c.EngineURL)
	}
	if strings.TrimSpace(c.WorkflowPath) == "" {
		return fmt.Errorf("config: workflow template path is required")
	}
	if strings.TrimSpace(c.PromptNode) == "" {
		return fmt.Errorf("config: prompt node is required")
	}
	if strings.TrimSpace(c.PromptField) == "" {
		c.PromptField = DefaultPromptField
	}
	if strings.TrimSpace(c.SeedNode) == "" {
		return fmt.Errorf("config: seed node is required")
	}
	if strings.TrimSpace(c.SeedField) == "" {
		c.SeedField = DefaultSeedField
	}
	if strings.TrimSpace(c.OutputNode) == "" {
		return fmt.Errorf("config: output node is required")
	}
	if store := strings.TrimSpace(c.RehostStoreURL); store != "" {
		u, err := url.Parse(store)
		if err != nil {
			return fmt.Errorf("config: rehost store url: %w", err)
		}
		switch u.Scheme {
		case "s3", "aws", "azure", "memory", "mem":
		default:
			return fmt.Errorf("config: rehost store scheme %q not supported (s3, aws, azure, mem)", u.Scheme)
		}
		if public := strings.TrimSpace(c.RehostPublicURL); public != "" {
			if _, err := url.Parse(public); err != nil {
				return fmt.Errorf("config: rehost public url: %w", err)
			}
		}
	}
	if c.RehostPrefix == "" {
		c.RehostPrefix = DefaultRehostPrefix
	}
	if c.RehostMaxBytes < 0 {
		return fmt.Errorf("config: rehost max bytes must be >= 0")
	}
	if c.RehostMaxBytes == 0 {
		c.RehostMaxBytes = DefaultRehostMaxBytes
	}
	if strings.TrimSpace(c.ToolName) == "" {
		c.ToolName = DefaultToolName
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.comfyd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("COMFYD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".comfyd"), nil
}

func cleanHTTPPath(raw, fallback string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
