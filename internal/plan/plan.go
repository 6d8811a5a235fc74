// Package plan loads composite-task plans from YAML files, as an
// alternative to model-driven decomposition.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/load28/a-dev/internal/engine"
)

// Load reads a plan file and returns the composite-task request it
// describes. Graph validation happens at creation; this only checks the
// file is structurally usable.
func Load(path string) (*engine.CompositeRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Parse decodes plan YAML.
func Parse(data []byte) (*engine.CompositeRequest, error) {
	var req engine.CompositeRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if req.Title == "" {
		return nil, fmt.Errorf("plan has no title")
	}
	if len(req.Subtasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}
	for i, s := range req.Subtasks {
		if s.LocalID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if s.Title == "" {
			return nil, fmt.Errorf("task %q has no title", s.LocalID)
		}
	}
	return &req, nil
}
