// Package workflow loads ComfyUI workflow templates (API format) and binds
// per-invocation values into them. A template is a JSON object keyed by node
// id; comfyd patches the configured prompt and seed inputs and submits the
// resulting graph to the engine.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"pkt.systems/jpact"
)

// Bindings names the template locations comfyd writes to and reads from: the
// node/input pair receiving the prompt text, the node/input pair receiving
// the sampler seed, and the node whose output slot carries the generated
// images.
type Bindings struct {
	PromptNode  string
	PromptField string
	SeedNode    string
	SeedField   string
	OutputNode  string
}

// Validate reports the first unset binding.
func (b Bindings) Validate() error {
	switch {
	case b.PromptNode == "":
		return fmt.Errorf("workflow: prompt node binding is empty")
	case b.PromptField == "":
		return fmt.Errorf("workflow: prompt field binding is empty")
	case b.SeedNode == "":
		return fmt.Errorf("workflow: seed node binding is empty")
	case b.SeedField == "":
		return fmt.Errorf("workflow: seed field binding is empty")
	case b.OutputNode == "":
		return fmt.Errorf("workflow: output node binding is empty")
	}
	return nil
}

// LoadError reports why a workflow template could not be read or validated.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("workflow: load template %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Template is a parsed, validated workflow graph. Instantiate never mutates
// the stored graph; every call decodes a fresh copy, so a Template is safe
// for concurrent use.
type Template struct {
	raw      []byte
	nodes    int
	bindings Bindings
}

// Load reads and parses the template at path. Errors are wrapped in
// *LoadError so callers can surface the offending path.
func Load(path string, bindings Bindings) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	tpl, err := Parse(data, bindings)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return tpl, nil
}

// Parse validates the template JSON against the bindings. All bound nodes
// must exist; the prompt and seed inputs must already be present so a typo
// in the binding config fails at startup instead of at the first tool call.
func Parse(data []byte, bindings Bindings) (*Template, error) {
	if err := bindings.Validate(); err != nil {
		return nil, err
	}
	var graph map[string]any
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("workflow: parse template: %w", err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("workflow: template has no nodes")
	}
	if err := validateInput(graph, bindings.PromptNode, bindings.PromptField); err != nil {
		return nil, err
	}
	if err := validateInput(graph, bindings.SeedNode, bindings.SeedField); err != nil {
		return nil, err
	}
	if _, ok := graph[bindings.OutputNode]; !ok {
		return nil, fmt.Errorf("workflow: output node %q not present in template", bindings.OutputNode)
	}
	compact, err := jpact.CompactToBuffer(bytes.NewReader(data), 0)
	if err != nil {
		return nil, fmt.Errorf("workflow: compact template: %w", err)
	}
	return &Template{raw: compact, nodes: len(graph), bindings: bindings}, nil
}

// Bindings returns the node/input addresses the template was validated
// against.
func (t *Template) Bindings() Bindings { return t.bindings }

// NodeCount returns the number of nodes in the graph.
func (t *Template) NodeCount() int { return t.nodes }

// Raw returns the compacted template JSON.
func (t *Template) Raw() []byte { return t.raw }

// Instantiate returns a copy of the graph with the prompt and seed inputs
// replaced.
func (t *Template) Instantiate(prompt string, seed uint64) (map[string]any, error) {
	var graph map[string]any
	if err := json.Unmarshal(t.raw, &graph); err != nil {
		return nil, fmt.Errorf("workflow: decode template: %w", err)
	}
	if err := setInput(graph, t.bindings.PromptNode, t.bindings.PromptField, prompt); err != nil {
		return nil, err
	}
	if err := setInput(graph, t.bindings.SeedNode, t.bindings.SeedField, seed); err != nil {
		return nil, err
	}
	return graph, nil
}

func nodeInputs(graph map[string]any, node string) (map[string]any, error) {
	raw, ok := graph[node]
	if !ok {
		return nil, fmt.Errorf("workflow: node %q not present in template", node)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow: node %q is not an object", node)
	}
	inputs, ok := obj["inputs"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow: node %q has no inputs object", node)
	}
	return inputs, nil
}

func validateInput(graph map[string]any, node, field string) error {
	inputs, err := nodeInputs(graph, node)
	if err != nil {
		return err
	}
	if _, ok := inputs[field]; !ok {
		return fmt.Errorf("workflow: node %q has no input %q", node, field)
	}
	return nil
}

func setInput(graph map[string]any, node, field string, value any) error {
	inputs, err := nodeInputs(graph, node)
	if err != nil {
		return err
	}
	inputs[field] = value
	return nil
}
