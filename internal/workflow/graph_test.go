package workflow_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/floe-run/floe/internal/workflow"
)

func mustBuild(t *testing.T, yamlDoc string) *workflow.Graph {
	t.Helper()
	def, err := workflow.Parse([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g, err := workflow.Build(def)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestParseAndBuildLinearChain(t *testing.T) {
	g := mustBuild(t, `
name: chain
tasks:
  - id: fetch
    command: ["true"]
  - id: transform
    command: ["true"]
    after: [fetch]
  - id: publish
    command: ["true"]
    after: [transform]
`)

	if g.Name != "chain" {
		t.Errorf("graph name = %q, want chain", g.Name)
	}
	if g.Len() != 3 {
		t.Fatalf("graph has %d tasks, want 3", g.Len())
	}
	if deps := g.Deps("transform"); len(deps) != 1 || deps[0] != "fetch" {
		t.Errorf("Deps(transform) = %v, want [fetch]", deps)
	}
	if deps := g.Deps("fetch"); len(deps) != 0 {
		t.Errorf("Deps(fetch) = %v, want none", deps)
	}
}

func TestParseTaskFields(t *testing.T) {
	g := mustBuild(t, `
name: fields
tasks:
  - id: heavy
    command: ["sort", "big.txt"]
    timeout: 90s
    env:
      LC_ALL: C
    resources:
      cpus: 4
      mem_mb: 2048
    transfer:
      downloads: [inputs/big.txt]
      uploads: [sorted.txt]
`)

	task, ok := g.Task("heavy")
	if !ok {
		t.Fatal("Task(heavy) not found")
	}
	if task.Timeout.Std() != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", task.Timeout)
	}
	if task.Env["LC_ALL"] != "C" {
		t.Errorf("env = %v, want LC_ALL=C", task.Env)
	}
	if task.Resources.CPUs != 4 || task.Resources.MemMB != 2048 {
		t.Errorf("resources = %+v, want cpus=4 mem_mb=2048", task.Resources)
	}
	if task.Transfer == nil || len(task.Transfer.Uploads) != 1 {
		t.Errorf("transfer = %+v, want one upload", task.Transfer)
	}
}

func TestDependentsTransitive(t *testing.T) {
	// diamond with a tail: a -> {b, c} -> d -> e
	g := mustBuild(t, `
name: diamond
tasks:
  - id: a
    command: ["true"]
  - id: b
    command: ["true"]
    after: [a]
  - id: c
    command: ["true"]
    after: [a]
  - id: d
    command: ["true"]
    after: [b, c]
  - id: e
    command: ["true"]
    after: [d]
`)

	deps := g.Dependents("a")
	want := []string{"b", "c", "d", "e"}
	if len(deps) != len(want) {
		t.Fatalf("Dependents(a) = %v, want %v", deps, want)
	}
	for i := range want {
		if deps[i] != want[i] {
			t.Errorf("Dependents(a)[%d] = %q, want %q (declaration order)", i, deps[i], want[i])
		}
	}

	if deps := g.Dependents("e"); len(deps) != 0 {
		t.Errorf("Dependents(e) = %v, want none", deps)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	def, err := workflow.Parse([]byte(`
name: cyclic
tasks:
  - id: a
    command: ["true"]
    after: [c]
  - id: b
    command: ["true"]
    after: [a]
  - id: c
    command: ["true"]
    after: [b]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	_, err = workflow.Build(def)
	var gbe *workflow.GraphBuildError
	if !errors.As(err, &gbe) {
		t.Fatalf("Build = %v, want GraphBuildError", err)
	}
	if !strings.Contains(gbe.Reason, "cycle") {
		t.Errorf("error %q does not mention the cycle", gbe.Reason)
	}
}

func TestBuildRejectsUnknownReference(t *testing.T) {
	def, _ := workflow.Parse([]byte(`
name: dangling
tasks:
  - id: a
    command: ["true"]
    after: [ghost]
`))
	_, err := workflow.Build(def)
	var gbe *workflow.GraphBuildError
	if !errors.As(err, &gbe) {
		t.Fatalf("Build = %v, want GraphBuildError", err)
	}
	if !strings.Contains(gbe.Reason, "ghost") {
		t.Errorf("error %q does not name the missing task", gbe.Reason)
	}
}

func TestBuildRejectsDuplicateID(t *testing.T) {
	def, _ := workflow.Parse([]byte(`
name: dup
tasks:
  - id: a
    command: ["true"]
  - id: a
    command: ["false"]
`))
	if _, err := workflow.Build(def); err == nil {
		t.Error("expected GraphBuildError for duplicate task id, got nil")
	}
}

func TestBuildRejectsSelfDependency(t *testing.T) {
	def, _ := workflow.Parse([]byte(`
name: selfie
tasks:
  - id: a
    command: ["true"]
    after: [a]
`))
	if _, err := workflow.Build(def); err == nil {
		t.Error("expected GraphBuildError for self-dependency, got nil")
	}
}

func TestParseRejectsEmptyWorkflow(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"no name", "tasks:\n  - id: a\n    command: [\"true\"]\n"},
		{"no tasks", "name: empty\n"},
		{"invalid yaml", "name: [unclosed\n"},
	}
	for _, tc := range cases {
		if _, err := workflow.Parse([]byte(tc.doc)); err == nil {
			t.Errorf("%s: expected parse error, got nil", tc.name)
		}
	}
}
