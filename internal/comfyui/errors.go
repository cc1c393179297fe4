package comfyui

import "fmt"

// StartError reports that a job never made it into the engine queue: the
// enqueue request failed, the engine rejected the graph, or the event stream
// could not be opened.
type StartError struct {
	Status int    // HTTP status when the engine answered, 0 otherwise
	Body   string // trimmed response body, when available
	Err    error  // transport cause, when the request never completed
}

func (e *StartError) Error() string {
	if e.Status != 0 {
		if e.Body != "" {
			return fmt.Sprintf("comfyui: start job: engine returned status %d: %s", e.Status, e.Body)
		}
		return fmt.Sprintf("comfyui: start job: engine returned status %d", e.Status)
	}
	return fmt.Sprintf("comfyui: start job: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// JobError reports that the engine reached a terminal failure for a job it
// had accepted, including interruptions.
type JobError struct {
	JobID   string
	Node    string
	Message string
}

func (e *JobError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("comfyui: job %s failed at node %s: %s", e.JobID, e.Node, e.Message)
	}
	return fmt.Sprintf("comfyui: job %s failed: %s", e.JobID, e.Message)
}

// OutputMissingError reports that a job finished cleanly but the configured
// output node produced no image.
type OutputMissingError struct {
	JobID string
	Node  string
}

func (e *OutputMissingError) Error() string {
	return fmt.Sprintf("comfyui: generated artifact not found in job output (job %s, node %s)", e.JobID, e.Node)
}

// TransportLostError reports that the event stream dropped before the engine
// delivered a terminal event, leaving the job outcome unknown.
type TransportLostError struct {
	JobID string
	Err   error
}

func (e *TransportLostError) Error() string {
	return fmt.Sprintf("comfyui: event stream lost before job %s finished: %v", e.JobID, e.Err)
}

func (e *TransportLostError) Unwrap() error { return e.Err }
