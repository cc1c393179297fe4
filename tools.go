package comfyd

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/comfyd/internal/comfyui"
	"pkt.systems/pslog"
)

// rehostTimeout bounds the artifact upload after the job settled. The upload
// runs detached from the call context so an advisory cancellation does not
// lose the durable copy.
const rehostTimeout = 60 * time.Second

type generateImageInput struct {
	Prompt string `json:"prompt" jsonschema:"Text prompt describing the image to generate"`
}

func (s *server) registerTools(srv *mcpsdk.Server) {
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        s.cfg.ToolName,
		Description: s.toolDescription(),
	}, withToolErrorBoundary(s.toolLog, s.handleGenerateImage))
}

func (s *server) toolDescription() string {
	return fmt.Sprintf("Generate an image from a text prompt using the %s ComfyUI workflow. "+
		"Blocks until the engine finishes (possibly minutes) and returns a URL serving the image. "+
		"Sends progress notifications while the job runs when the call carries a progress token.",
		filepath.Base(s.cfg.WorkflowPath))
}

// handleGenerateImage drives one engine job: bind prompt and seed into the
// workflow template, submit, relay progress, resolve the artifact URL.
func (s *server) handleGenerateImage(ctx context.Context, req *mcpsdk.CallToolRequest, input generateImageInput) (*mcpsdk.CallToolResult, any, error) {
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return nil, nil, fmt.Errorf("prompt is required")
	}
	ctx, span := s.tracer.Start(ctx, "comfyd.tool.generate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("comfyd.tool", s.cfg.ToolName),
			attribute.Int("comfyd.prompt_chars", len(prompt)),
		),
	)
	defer span.End()
	started := time.Now()
	artifactURL, err := s.generate(ctx, req, prompt)
	s.metrics.recordToolCall(ctx, s.cfg.ToolName, time.Since(started), err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetStatus(codes.Ok, "")
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: artifactURL}},
	}, nil, nil
}

func (s *server) generate(ctx context.Context, req *mcpsdk.CallToolRequest, prompt string) (string, error) {
	tpl := s.templates.Template()
	seed := rand.Uint64()
	graph, err := tpl.Instantiate(prompt, seed)
	if err != nil {
		return "", err
	}
	s.toolLog.Info("tool.generate.accepted",
		"prompt_chars", len(prompt),
		"seed", seed,
		"nodes", tpl.NodeCount(),
	)

	result, err := s.engine.Run(ctx, comfyui.Job{
		Graph:      graph,
		OutputNode: tpl.Bindings().OutputNode,
	}, s.progressRelay(ctx, req))
	if err != nil {
		return "", err
	}

	engineURL := s.engine.ArtifactURL(result.Image)
	if s.rehoster == nil {
		s.toolLog.Info("tool.generate.done", "job_id", result.JobID, "url", engineURL)
		return engineURL, nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rehostTimeout)
	defer cancel()
	hosted, err := s.rehoster.Rehost(rctx, engineURL, result.Image.Filename)
	s.metrics.recordRehost(ctx, err)
	if err != nil {
		s.toolLog.Warn("rehost.upload.failed", "job_id", result.JobID, "error", err, "fallback_url", engineURL)
		return engineURL, nil
	}
	s.toolLog.Info("tool.generate.done", "job_id", result.JobID, "url", hosted)
	return hosted, nil
}

// progressRelay builds the job progress hook. Without a progress token on
// the call the hook stays nil; with one, every emission is relayed through
// the session registry so a push channel that vanished mid-job degrades to
// silence instead of failing the job.
func (s *server) progressRelay(ctx context.Context, req *mcpsdk.CallToolRequest) func(comfyui.Progress) {
	if req == nil || req.Session == nil {
		return nil
	}
	token := req.Params.GetProgressToken()
	if token == nil {
		return nil
	}
	key := sessionKey(req.Session)
	return func(p comfyui.Progress) {
		delivered := s.sessions.Notify(ctx, key, &mcpsdk.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      p.Fraction(),
			Message:       progressMessage(p),
		})
		if delivered {
			s.metrics.recordProgressRelayed(ctx)
		}
	}
}

func progressMessage(p comfyui.Progress) string {
	if p.Phase == comfyui.PhaseRunning && p.Max > 0 {
		return fmt.Sprintf("running %d/%d", p.Value, p.Max)
	}
	return string(p.Phase)
}

// withToolErrorBoundary converts handler failures into structured tool
// results: the client sees isError plus the failure text, never a protocol
// fault. It is also the only recover point for handler panics.
func withToolErrorBoundary[In, Out any](logger pslog.Logger, h mcpsdk.ToolHandlerFor[In, Out]) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (res *mcpsdk.CallToolResult, out Out, err error) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			logger.Error("mcp.tool.panic", "tool", req.Params.Name, "panic", rec)
			res = toolErrorResult(fmt.Sprintf("internal error: %v", rec))
			err = nil
		}()
		res, out, err = h(ctx, req, input)
		if err == nil {
			return res, out, nil
		}
		logger.Warn("mcp.tool.failed", "tool", req.Params.Name, "error", err)
		var zero Out
		return toolErrorResult(err.Error()), zero, nil
	}
}

func toolErrorResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}
