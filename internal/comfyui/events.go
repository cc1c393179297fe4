package comfyui

import "encoding/json"

// Event types the engine publishes on its websocket. Binary frames (preview
// images) and extension events are ignored.
const (
	eventStatus               = "status"
	eventProgress             = "progress"
	eventExecuting            = "executing"
	eventExecuted             = "executed"
	eventExecutionStart       = "execution_start"
	eventExecutionCached      = "execution_cached"
	eventExecutionSuccess     = "execution_success"
	eventExecutionError       = "execution_error"
	eventExecutionInterrupted = "execution_interrupted"
)

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type statusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

type progressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

// executingData carries the currently running node; a null node means the
// prompt finished.
type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type executedData struct {
	Node     string     `json:"node"`
	PromptID string     `json:"prompt_id"`
	Output   nodeOutput `json:"output"`
}

type executionStartData struct {
	PromptID string `json:"prompt_id"`
}

type executionSuccessData struct {
	PromptID string `json:"prompt_id"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}

type executionInterruptedData struct {
	PromptID string `json:"prompt_id"`
	NodeID   string `json:"node_id"`
}

// ImageRef locates one generated image on the engine. The engine serves it
// back through its view endpoint.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type nodeOutput struct {
	Images []ImageRef `json:"images"`
}

type historyEntry struct {
	Outputs map[string]nodeOutput `json:"outputs"`
}
