package comfyd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/comfyd/internal/comfyui"
	"pkt.systems/comfyd/internal/rehost"
	"pkt.systems/comfyd/internal/svcfields"
	"pkt.systems/comfyd/internal/version"
	"pkt.systems/comfyd/internal/workflow"
	"pkt.systems/pslog"
)

// shutdownGrace bounds the drain of in-flight HTTP requests on shutdown.
const shutdownGrace = 10 * time.Second

// Server is the gateway service contract.
type Server interface {
	Run(context.Context) error
}

// NewServerRequest wraps constructor inputs.
type NewServerRequest struct {
	Config Config
	Logger pslog.Logger
}

type server struct {
	cfg          Config
	logger       pslog.Logger
	lifecycleLog pslog.Logger
	transportLog pslog.Logger
	toolLog      pslog.Logger

	tracer    trace.Tracer
	engine    *comfyui.Client
	templates workflow.Source
	watcher   *workflow.Watcher
	rehoster  *rehost.Rehoster
	sessions  *sessionRegistry
	metrics   *gatewayMetrics
	telemetry *telemetryBundle

	mcpServer  *mcpsdk.Server
	httpServer *http.Server
}

// NewServer constructs the comfyd gateway. Configuration and workflow
// template problems surface here, before any socket opens.
func NewServer(req NewServerRequest) (Server, error) {
	cfg := req.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := req.Logger
	if logger == nil {
		logger = pslog.NewStructured(os.Stderr).With("app", "comfyd")
	}

	telemetry, err := setupTelemetry(context.Background(), cfg.OTLPEndpoint, cfg.MetricsListen, cfg.PprofListen, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		lifecycleLog: svcfields.WithSubsystem(logger, "server.lifecycle"),
		transportLog: svcfields.WithSubsystem(logger, "mcp.transport.sse"),
		toolLog:      svcfields.WithSubsystem(logger, "mcp.tool"),
		tracer:       otel.Tracer("pkt.systems/comfyd"),
		telemetry:    telemetry,
	}
	s.metrics = newGatewayMetrics(logger)
	s.sessions = newSessionRegistry(svcfields.WithSubsystem(logger, "mcp.sessions"), s.metrics)
	s.metrics.registerSessions(s.sessions)

	httpc := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	s.engine, err = comfyui.New(comfyui.Options{
		BaseURL:    cfg.EngineURL,
		HTTPClient: httpc,
		Logger:     logger,
	})
	if err != nil {
		s.closePartial()
		return nil, err
	}

	bindings := workflow.Bindings{
		PromptNode:  cfg.PromptNode,
		PromptField: cfg.PromptField,
		SeedNode:    cfg.SeedNode,
		SeedField:   cfg.SeedField,
		OutputNode:  cfg.OutputNode,
	}
	if cfg.WatchWorkflow {
		s.watcher, err = workflow.Watch(cfg.WorkflowPath, bindings, svcfields.WithSubsystem(logger, "workflow"))
		if err != nil {
			s.closePartial()
			return nil, err
		}
		s.templates = s.watcher
	} else {
		tpl, err := workflow.Load(cfg.WorkflowPath, bindings)
		if err != nil {
			s.closePartial()
			return nil, err
		}
		s.templates = workflow.Static(tpl)
	}

	if strings.TrimSpace(cfg.RehostStoreURL) != "" {
		s.rehoster, err = rehost.Open(context.Background(), rehost.Config{
			StoreURL:   cfg.RehostStoreURL,
			PublicURL:  cfg.RehostPublicURL,
			Prefix:     cfg.RehostPrefix,
			MaxBytes:   cfg.RehostMaxBytes,
			HTTPClient: httpc,
			Logger:     logger,
		})
		if err != nil {
			s.closePartial()
			return nil, err
		}
	}

	s.mcpServer = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "comfyd",
		Version: version.Current(),
	}, &mcpsdk.ServerOptions{
		Instructions:       serverInstructions(cfg),
		InitializedHandler: s.handleInitialized,
	})
	s.registerTools(s.mcpServer)

	s.httpServer = &http.Server{
		Addr:    cfg.Listen,
		Handler: s.buildMux(),
	}
	return s, nil
}

func (s *server) Run(ctx context.Context) error {
	s.lifecycleLog.Info("starting comfyd gateway",
		"listen", s.cfg.Listen,
		"sse_path", s.cfg.SSEPath,
		"messages_path", s.cfg.MessagesPath,
		"engine_url", s.cfg.EngineURL,
		"tool", s.cfg.ToolName,
		"workflow", s.cfg.WorkflowPath,
		"watch_workflow", s.cfg.WatchWorkflow,
		"rehost", s.rehoster != nil,
	)
	defer s.close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.sessions.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.lifecycleLog.Info("comfyd gateway stopped")
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// close releases everything Run owned. Session drain precedes the HTTP
// shutdown so parked push handlers unwind before the listener is asked to
// finish.
func (s *server) close() {
	s.sessions.Close()
	s.closePartial()
}

// closePartial releases resources owned so far during construction or
// teardown. Safe on a half-built server.
func (s *server) closePartial() {
	if s.watcher != nil {
		_ = s.watcher.Close()
		s.watcher = nil
	}
	if s.rehoster != nil {
		_ = s.rehoster.Close()
		s.rehoster = nil
	}
	if s.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
			s.lifecycleLog.Warn("telemetry.shutdown.failed", "error", err)
		}
		cancel()
		s.telemetry = nil
	}
}

func (s *server) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.SSEPath, s.handleSSE)
	mux.HandleFunc(s.cfg.MessagesPath, s.handleMessages)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	return otelhttp.NewHandler(mux, "comfyd.gateway",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// handleSSE opens the push channel: it registers a session handle, connects
// an SSE transport advertising the session-scoped side-channel endpoint, and
// parks until the session ends or the client hangs up.
func (s *server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessions.Register(r.Context())
	if err != nil {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Unregister(sess.id)

	endpoint := s.cfg.MessagesPath + "?sessionId=" + url.QueryEscape(sess.id)
	transport := &mcpsdk.SSEServerTransport{Endpoint: endpoint, Response: w}
	mcpSession, err := s.mcpServer.Connect(r.Context(), transport, nil)
	if err != nil {
		s.transportLog.Error("mcp.session.connect_failed", "session_id", sess.id, "error", err)
		http.Error(w, "failed to open push channel", http.StatusInternalServerError)
		return
	}
	s.sessions.Bind(sess, transport, mcpSession)

	select {
	case <-r.Context().Done():
		s.transportLog.Debug("mcp.session.client_gone", "session_id", sess.id)
	case <-sess.Done():
	}
}

// handleMessages is the side channel. Calls address a session by query
// parameter; an unknown or unbound id is answered 404 before any tool logic
// runs.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "sessionId query parameter required")
		return
	}
	transport, ok := s.sessions.Lookup(id)
	if !ok {
		s.transportLog.Debug("mcp.session.unknown", "session_id", id)
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	transport.ServeHTTP(w, r)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleInitialized(_ context.Context, req *mcpsdk.InitializedRequest) {
	if req == nil || req.Session == nil {
		return
	}
	s.transportLog.Debug("mcp.session.initialized", "session_key", sessionKey(req.Session))
}

func writeJSONError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": detail})
}

func serverInstructions(cfg Config) string {
	return fmt.Sprintf("comfyd bridges this session to a ComfyUI engine running the %s workflow. "+
		"Call %s with a text prompt to queue an image generation job; the call blocks until the engine "+
		"finishes and returns a URL serving the generated image. Supply a progress token to receive "+
		"queue position and sampling progress while the job runs.",
		filepath.Base(cfg.WorkflowPath), cfg.ToolName)
}
