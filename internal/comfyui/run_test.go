package comfyui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type runOutcome struct {
	res *Result
	err error
}

func startRun(t *testing.T, c *Client, ctx context.Context, job Job, onProgress func(Progress)) <-chan runOutcome {
	t.Helper()
	outcome := make(chan runOutcome, 1)
	go func() {
		res, err := c.Run(ctx, job, onProgress)
		outcome <- runOutcome{res: res, err: err}
	}()
	return outcome
}

func waitOutcome(t *testing.T, outcome <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case o := <-outcome:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("run never settled")
		return runOutcome{}
	}
}

func progressRecorder() (func(Progress), <-chan Progress) {
	ch := make(chan Progress, 32)
	return func(p Progress) { ch <- p }, ch
}

func waitPhase(t *testing.T, ch <-chan Progress, phase Phase) Progress {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-ch:
			if p.Phase == phase {
				return p
			}
		case <-deadline:
			t.Fatalf("no %s progress within deadline", phase)
		}
	}
}

func TestRunDeliversFirstImage(t *testing.T) {
	t.Parallel()
	f := newFakeEngine(t)
	c := f.client(t)
	onProgress, progress := progressRecorder()
	outcome := startRun(t, c, context.Background(), testJob(), onProgress)
	conn := f.waitConn(t)
	capture := f.waitPrompt(t)
	if capture.ClientID == "" {
		t.Fatal("enqueue request carried no client_id")
	}
	if _, ok := capture.Graph["6"]; !ok {
		t.Fatal("enqueue request did not carry the instantiated graph")
	}
	if p := waitPhase(t, progress, PhaseQueued); p.JobID != testPromptID {
		t.Fatalf("queued progress for job %q, want %q", p.JobID, testPromptID)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write preview frame: %v", err)
	}
	sendEvent(t, conn, "status", `{"status":{"exec_info":{"queue_remaining":1}}}`)
	waitPhase(t, progress, PhasePending)
	sendEvent(t, conn, "execution_start", `{"prompt_id":"prompt-1"}`)
	sendEvent(t, conn, "progress", `{"value":4,"max":20,"prompt_id":"prompt-1","node":"31"}`)
	if p := waitPhase(t, progress, PhaseRunning); p.Value != 4 || p.Max != 20 {
		t.Fatalf("running progress = %d/%d, want 4/20", p.Value, p.Max)
	}
	sendEvent(t, conn, "executed", `{"node":"9","prompt_id":"prompt-1","output":{"images":[{"filename":"ComfyUI_00001_.png","subfolder":"","type":"output"},{"filename":"ComfyUI_00002_.png","subfolder":"","type":"output"}]}}`)
	sendEvent(t, conn, "executing", `{"node":null,"prompt_id":"prompt-1"}`)
	o := waitOutcome(t, outcome)
	if o.err != nil {
		t.Fatalf("Run: %v", o.err)
	}
	if o.res.JobID != testPromptID {
		t.Fatalf("Result.JobID = %q, want %q", o.res.JobID, testPromptID)
	}
	if o.res.Image.Filename != "ComfyUI_00001_.png" {
		t.Fatalf("Result.Image = %+v, want first image of the output slot", o.res.Image)
	}
}

func TestRunFallsBackToHistoryForCachedGraphs(t *testing.T) {
	t.Parallel()
	f := newFakeEngine(t)
	f.setHistory(`{"prompt-1":{"outputs":{"9":{"images":[{"filename":"cached.png","subfolder":"","type":"output"}]}}}}`)
	c := f.client(t)
	outcome := startRun(t, c, context.Background(), testJob(), nil)
	conn := f.waitConn(t)
	f.waitPrompt(t)
	sendEvent(t, conn, "execution_cached", `{"nodes":["6","9"],"prompt_id":"prompt-1"}`)
	sendEvent(t, conn, "execution_success", `{"prompt_id":"prompt-1"}`)
	o := waitOutcome(t, outcome)
	if o.err != nil {
		t.Fatalf("Run: %v", o.err)
	}
	if o.res.Image.Filename != "cached.png" {
		t.Fatalf("Result.Image = %+v, want history image", o.res.Image)
	}
}

func TestRunReportsMissingArtifact(t *testing.T) {
	t.Parallel()
	f := newFakeEngine(t)
	c := f.client(t)
	outcome := startRun(t, c, context.Background(), testJob(), nil)
	conn := f.waitConn(t)
	f.waitPrompt(t)
	sendEvent(t, conn, "executed", `{"node":"9","prompt_id":"prompt-1","output":{"images":[]}}`)
	sendEvent(t, conn, "executing", `{"node":null,"prompt_id":"prompt-1"}`)
	o := waitOutcome(t, outcome)
	var missing *OutputMissingError
	if !errors.As(o.err, &missing) {
		t.Fatalf("Run error %T = %v, want *OutputMissingError", o.err, o.err)
	}
	if !strings.Contains(strings.ToLower(o.err.Error()), "not found") {
		t.Fatalf("error %q does not mention the missing artifact", o.err)
	}
	if missing.JobID != testPromptID || missing.Node != "9" {
		t.Fatalf("OutputMissingError = %+v", missing)
	}
}

func TestRunSurfacesEngineFailure(t *testing.T) {
	t.Parallel()
	f := newFakeEngine(t)
	c := f.client(t)
	outcome := startRun(t, c, context.Background(), testJob(), nil)
	conn := f.waitConn(t)
	f.waitPrompt(t)
	sendEvent(t, conn, "execution_error", `{"prompt_id":"prompt-1","node_id":"31","node_type":"KSampler","exception_message":"CUDA out of memory","exception_type":"RuntimeError"}`)
	o := waitOutcome(t, outcome)
	var jobErr *JobError
	if !errors.As(o.err, &jobErr) {
		t.Fatalf("Run error %T = %v, want *JobError", o.err, o.err)
	}
	if jobErr.Node != "31" || !strings.Contains(jobErr.Message, "CUDA out of memory") {
		t.Fatalf("JobError = %+v", jobErr)
	}
}

func TestRunReportsLostEventStream(t *testing.T) {
	t.Parallel()
	f := newFakeEngine(t)
	c := f.client(t)
	outcome := startRun(t, c, context.Background(), testJob(), nil)
	conn := f.waitConn(t)
	f.waitPrompt(t)
	sendEvent(t, conn, "status", `{"status":{"exec_info":{"queue_remaining":1}}}`)
	conn.Close()
	o := waitOutcome(t, outcome)
	var lost *TransportLostError
	if !errors.As(o.err, &lost) {
		t.Fatalf("Run error %T = %v, want *TransportLostError", o.err, o.err)
	}
	if lost.JobID != testPromptID {
		t.Fatalf("TransportLostError.JobID = %q, want %q", lost.JobID, testPromptID)
	}
}

func TestRunCancellationInterruptsOnceAndWaitsForTerminal(t *testing.T) {
	t.Parallel()
	f := newFakeEngine(t)
	c := f.client(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outcome := startRun(t, c, ctx, testJob(), nil)
	conn := f.waitConn(t)
	f.waitPrompt(t)
	cancel()
	sendEvent(t, conn, "status", `{"status":{"exec_info":{"queue_remaining":1}}}`)
	f.waitInterrupt(t)
	select {
	case o := <-outcome:
		t.Fatalf("run settled before the engine terminal event: %+v", o)
	default:
	}
	sendEvent(t, conn, "status", `{"status":{"exec_info":{"queue_remaining":1}}}`)
	f.expectNoInterrupt(t, 150*time.Millisecond)
	sendEvent(t, conn, "execution_interrupted", `{"prompt_id":"prompt-1","node_id":"31"}`)
	o := waitOutcome(t, outcome)
	var jobErr *JobError
	if !errors.As(o.err, &jobErr) {
		t.Fatalf("Run error %T = %v, want *JobError", o.err, o.err)
	}
	if !strings.Contains(jobErr.Message, "interrupted") {
		t.Fatalf("JobError = %+v, want interrupted terminal", jobErr)
	}
}

func TestRunIgnoresEventsForOtherJobs(t *testing.T) {
	t.Parallel()
	f := newFakeEngine(t)
	c := f.client(t)
	onProgress, progress := progressRecorder()
	outcome := startRun(t, c, context.Background(), testJob(), onProgress)
	conn := f.waitConn(t)
	f.waitPrompt(t)
	waitPhase(t, progress, PhaseQueued)
	sendEvent(t, conn, "progress", `{"value":9,"max":10,"prompt_id":"someone-elses","node":"31"}`)
	sendEvent(t, conn, "executed", `{"node":"9","prompt_id":"someone-elses","output":{"images":[{"filename":"theirs.png","type":"output"}]}}`)
	sendEvent(t, conn, "progress", `{"value":2,"max":10,"prompt_id":"prompt-1","node":"31"}`)
	if p := waitPhase(t, progress, PhaseRunning); p.Value != 2 {
		t.Fatalf("running progress = %d/%d, want own job's 2/10", p.Value, p.Max)
	}
	sendEvent(t, conn, "executed", `{"node":"9","prompt_id":"prompt-1","output":{"images":[{"filename":"mine.png","type":"output"}]}}`)
	sendEvent(t, conn, "execution_success", `{"prompt_id":"prompt-1"}`)
	o := waitOutcome(t, outcome)
	if o.err != nil {
		t.Fatalf("Run: %v", o.err)
	}
	if o.res.Image.Filename != "mine.png" {
		t.Fatalf("Result.Image = %+v, want own job's image", o.res.Image)
	}
}

func TestProgressFraction(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    Progress
		want float64
	}{
		{"zero max", Progress{Value: 3, Max: 0}, 0},
		{"halfway", Progress{Value: 10, Max: 20}, 0.5},
		{"complete", Progress{Value: 20, Max: 20}, 1},
		{"overshoot", Progress{Value: 25, Max: 20}, 1},
		{"negative", Progress{Value: -1, Max: 20}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.p.Fraction(); got != tc.want {
				t.Fatalf("Fraction() = %v, want %v", got, tc.want)
			}
		})
	}
}
