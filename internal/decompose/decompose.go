// Package decompose turns a free-form development request into the
// subtask graph of a composite task.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/load28/a-dev/internal/engine"
)

// Completer is the language-model surface the decomposer needs.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Decomposer breaks user requests into dependent subtasks.
type Decomposer struct {
	llm Completer
}

// New creates a Decomposer backed by the given completer.
func New(llm Completer) *Decomposer {
	return &Decomposer{llm: llm}
}

// decomposedTask is the JSON structure the model returns per subtask.
type decomposedTask struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	DependsOn   []string `json:"depends_on"`
}

// Decompose sends the request to the model and parses the resulting
// subtask specs. Graph-level validation happens later, at composite
// creation; this only checks the response is well formed.
func (d *Decomposer) Decompose(ctx context.Context, request string) ([]engine.SubtaskSpec, error) {
	prompt := fmt.Sprintf(decompositionPrompt, request)

	response, err := d.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("decomposition request: %w", err)
	}

	specs, err := ParseResponse(response)
	if err != nil {
		return nil, fmt.Errorf("parse decomposition response: %w", err)
	}
	return specs, nil
}

// ParseResponse extracts the JSON task array from a model response that
// may carry surrounding prose.
func ParseResponse(response string) ([]engine.SubtaskSpec, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		preview := response
		if len(preview) > 500 {
			preview = preview[:500] + "... (truncated)"
		}
		return nil, fmt.Errorf("no JSON array found in response (got %d chars): %q", len(response), preview)
	}

	var decomposed []decomposedTask
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &decomposed); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	if len(decomposed) == 0 {
		return nil, fmt.Errorf("empty task list returned")
	}

	specs := make([]engine.SubtaskSpec, 0, len(decomposed))
	seen := make(map[string]bool, len(decomposed))
	for i, dt := range decomposed {
		id := strings.TrimSpace(dt.ID)
		if id == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate task id %q", id)
		}
		seen[id] = true
		if dt.Title == "" {
			return nil, fmt.Errorf("task %q has no title", id)
		}
		prompt := dt.Prompt
		if prompt == "" {
			prompt = dt.Description
		}
		specs = append(specs, engine.SubtaskSpec{
			LocalID:      id,
			Title:        dt.Title,
			Description:  dt.Description,
			Prompt:       prompt,
			Dependencies: dt.DependsOn,
		})
	}
	return specs, nil
}
