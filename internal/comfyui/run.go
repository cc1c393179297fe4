package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

const (
	// interruptTimeout bounds the best-effort interrupt request fired after
	// the caller cancels. The job itself is never timed out.
	interruptTimeout = 10 * time.Second
	// historyTimeout bounds the history fallback lookup after a terminal
	// success that produced no executed event (fully cached graphs).
	historyTimeout = 30 * time.Second
)

// Phase names a job lifecycle stage reported through Progress.
type Phase string

const (
	// PhaseQueued is emitted exactly once, after the engine accepted the job.
	PhaseQueued Phase = "queued"
	// PhasePending is emitted while the job sits in the engine queue.
	PhasePending Phase = "pending"
	// PhaseRunning carries per-node progress while the job executes.
	PhaseRunning Phase = "running"
)

// Job is one instantiated workflow submission.
type Job struct {
	// Graph is the workflow with prompt and seed already bound.
	Graph map[string]any
	// OutputNode is the node whose images slot carries the artifact.
	OutputNode string
}

// Progress is a lifecycle notification. Queued and pending phases carry no
// counters; running carries the engine's value/max pair.
type Progress struct {
	JobID string
	Phase Phase
	Value int
	Max   int
}

// Fraction maps the progress counters onto [0, 1].
func (p Progress) Fraction() float64 {
	if p.Max <= 0 {
		return 0
	}
	f := float64(p.Value) / float64(p.Max)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Result is the terminal outcome of a successful job.
type Result struct {
	JobID string
	// Image is the first image in the output slot.
	Image ImageRef
}

// Run submits the job and blocks until the engine reaches a terminal state.
// Progress callbacks fire from the calling goroutine, never concurrently.
//
// Cancelling ctx does not abandon the job: the cancellation is advisory. It
// is observed when the next pending or progress event arrives, triggers one
// best-effort interrupt, and Run keeps waiting for the engine's terminal
// event. A dropped event stream before that terminal surfaces as
// *TransportLostError rather than a silent hang.
func (c *Client) Run(ctx context.Context, job Job, onProgress func(Progress)) (*Result, error) {
	started := time.Now()
	res, err := c.run(ctx, job, onProgress)
	c.metrics.recordJob(ctx, time.Since(started), err)
	return res, err
}

func (c *Client) run(ctx context.Context, job Job, onProgress func(Progress)) (*Result, error) {
	if len(job.Graph) == 0 {
		return nil, &StartError{Err: errors.New("job graph is empty")}
	}
	if job.OutputNode == "" {
		return nil, &StartError{Err: errors.New("job output node is empty")}
	}
	// One client id per run keeps the engine routing execution events for
	// concurrent jobs to their own sockets.
	clientID := xid.New().String()
	conn, err := c.connect(ctx, clientID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	jobID, err := c.enqueue(ctx, job.Graph, clientID)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("engine.job.queued", "job_id", jobID, "client_id", clientID, "nodes", len(job.Graph))
	emit(onProgress, Progress{JobID: jobID, Phase: PhaseQueued})
	return c.wait(ctx, conn, jobID, job.OutputNode, onProgress)
}

func (c *Client) wait(ctx context.Context, conn *websocket.Conn, jobID, outputNode string, onProgress func(Progress)) (*Result, error) {
	var (
		images      []ImageRef
		collected   bool
		running     bool
		interrupted bool
	)
	checkCancel := func() {
		if interrupted || ctx.Err() == nil {
			return
		}
		interrupted = true
		c.logger.Info("engine.job.interrupt", "job_id", jobID, "cause", ctx.Err())
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
		defer cancel()
		err := c.Interrupt(ictx)
		if err != nil {
			c.logger.Warn("engine.job.interrupt_failed", "job_id", jobID, "error", err)
		}
		c.metrics.recordInterrupt(ctx, err)
	}
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return nil, &TransportLostError{JobID: jobID, Err: err}
		}
		if kind != websocket.TextMessage {
			// Binary frames carry node previews.
			continue
		}
		var env wsEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Debug("engine.event.malformed", "job_id", jobID, "error", err)
			continue
		}
		switch env.Type {
		case eventStatus:
			checkCancel()
			if !running {
				var data statusData
				if json.Unmarshal(env.Data, &data) == nil {
					c.logger.Debug("engine.queue.status", "job_id", jobID, "queue_remaining", data.Status.ExecInfo.QueueRemaining)
				}
				emit(onProgress, Progress{JobID: jobID, Phase: PhasePending})
			}
		case eventExecutionStart:
			var data executionStartData
			if json.Unmarshal(env.Data, &data) != nil || !forJob(data.PromptID, jobID) {
				continue
			}
			running = true
			c.logger.Debug("engine.job.running", "job_id", jobID)
		case eventProgress:
			var data progressData
			if json.Unmarshal(env.Data, &data) != nil || !forJob(data.PromptID, jobID) {
				continue
			}
			checkCancel()
			running = true
			emit(onProgress, Progress{JobID: jobID, Phase: PhaseRunning, Value: data.Value, Max: data.Max})
		case eventExecuted:
			var data executedData
			if json.Unmarshal(env.Data, &data) != nil || !forJob(data.PromptID, jobID) {
				continue
			}
			if data.Node == outputNode {
				images = data.Output.Images
				collected = true
			}
		case eventExecuting:
			var data executingData
			if json.Unmarshal(env.Data, &data) != nil || !forJob(data.PromptID, jobID) {
				continue
			}
			if data.Node == nil {
				return c.finish(ctx, jobID, outputNode, images, collected)
			}
		case eventExecutionSuccess:
			var data executionSuccessData
			if json.Unmarshal(env.Data, &data) != nil || !forJob(data.PromptID, jobID) {
				continue
			}
			return c.finish(ctx, jobID, outputNode, images, collected)
		case eventExecutionError:
			var data executionErrorData
			if json.Unmarshal(env.Data, &data) != nil || !forJob(data.PromptID, jobID) {
				continue
			}
			return nil, &JobError{JobID: jobID, Node: data.NodeID, Message: data.ExceptionMessage}
		case eventExecutionInterrupted:
			var data executionInterruptedData
			if json.Unmarshal(env.Data, &data) != nil || !forJob(data.PromptID, jobID) {
				continue
			}
			return nil, &JobError{JobID: jobID, Node: data.NodeID, Message: "execution interrupted"}
		case eventExecutionCached:
			// Cached nodes emit no executed event; finish falls back to the
			// history endpoint for their outputs.
		}
	}
}

// finish resolves a terminal success. When the output slot was never seen on
// the event stream (fully cached graphs) the engine history is consulted. A
// detached context keeps the lookup alive past an advisory cancellation so
// the outcome stays faithful.
func (c *Client) finish(ctx context.Context, jobID, outputNode string, images []ImageRef, collected bool) (*Result, error) {
	if !collected || len(images) == 0 {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		defer cancel()
		outputs, err := c.history(hctx, jobID)
		if err != nil {
			c.logger.Warn("engine.history.failed", "job_id", jobID, "error", err)
		} else {
			images = outputs[outputNode].Images
		}
	}
	if len(images) == 0 {
		return nil, &OutputMissingError{JobID: jobID, Node: outputNode}
	}
	c.logger.Debug("engine.job.finished", "job_id", jobID, "images", len(images))
	return &Result{JobID: jobID, Image: images[0]}, nil
}

func forJob(promptID, jobID string) bool {
	return promptID == "" || promptID == jobID
}

func emit(onProgress func(Progress), p Progress) {
	if onProgress != nil {
		onProgress(p)
	}
}
