package plan

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePlan = `
title: Add user settings
description: Settings page with persistence
auto_approve: true
repo:
  owner: o
  name: r
tasks:
  - id: schema
    title: Schema setup
    prompt: Write the migration
  - id: api
    title: API layer
    prompt: Implement the endpoint
    depends_on: [schema]
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	req, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if req.Title != "Add user settings" {
		t.Errorf("unexpected title %q", req.Title)
	}
	if !req.AutoApprove {
		t.Error("auto_approve should be set")
	}
	if req.Repo.Owner != "o" || req.Repo.Name != "r" {
		t.Errorf("unexpected repo %+v", req.Repo)
	}
	if len(req.Subtasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(req.Subtasks))
	}
	if req.Subtasks[1].Dependencies[0] != "schema" {
		t.Errorf("unexpected dependencies %v", req.Subtasks[1].Dependencies)
	}
}

func TestParseRejectsIncompletePlans(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no title", "tasks:\n  - id: a\n    title: A\n"},
		{"no tasks", "title: T\n"},
		{"task without id", "title: T\ntasks:\n  - title: A\n"},
		{"task without title", "title: T\ntasks:\n  - id: a\n"},
		{"invalid yaml", "title: [unclosed\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Errorf("expected error for %q", tc.yaml)
			}
		})
	}
}
