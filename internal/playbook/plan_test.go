package playbook

import (
	"errors"
	"testing"

	"github.com/alekspetrov/taskflow/internal/model"
)

func ids(steps []model.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestCompileOrdersFrontiers(t *testing.T) {
	steps := []model.Step{
		{ID: "d", Name: "Deploy", Order: 4},
		{ID: "b", Name: "Build", Order: 2, ParallelGroup: "checks"},
		{ID: "a", Name: "Plan", Order: 1},
		{ID: "c", Name: "Lint", Order: 3, ParallelGroup: "checks"},
		{ID: "n", Name: "Release notes", Order: 5, NestedPlaybookID: "pb-notes"},
	}
	plan, err := Compile(steps)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if plan.Len() != 4 {
		t.Fatalf("frontiers = %d, want 4", plan.Len())
	}

	want := [][]string{{"a"}, {"b", "c"}, {"d"}, {"n"}}
	for i, w := range want {
		got := ids(plan.Frontier(i))
		if len(got) != len(w) {
			t.Fatalf("frontier %d = %v, want %v", i, got, w)
		}
		for j := range w {
			if got[j] != w[j] {
				t.Errorf("frontier %d = %v, want %v", i, got, w)
			}
		}
	}

	if _, ok := plan.Frontiers[1].(*ParallelGroup); !ok {
		t.Errorf("frontier 1 is %T, want *ParallelGroup", plan.Frontiers[1])
	}
	if _, ok := plan.Frontiers[3].(*NestedPlaybookRef); !ok {
		t.Errorf("frontier 3 is %T, want *NestedPlaybookRef", plan.Frontiers[3])
	}
	if i, ok := plan.FrontierOf("c"); !ok || i != 1 {
		t.Errorf("FrontierOf(c) = %d, %v", i, ok)
	}
	if plan.Frontier(9) != nil {
		t.Error("Frontier past the end should be nil")
	}
	if s, ok := plan.Step("n"); !ok || s.NestedPlaybookID != "pb-notes" {
		t.Errorf("Step(n) = %+v, %v", s, ok)
	}
}

func TestCompileGroupPositionIsMinimumOrder(t *testing.T) {
	plan, err := Compile([]model.Step{
		{ID: "x", Name: "X", Order: 10, ParallelGroup: "g"},
		{ID: "y", Name: "Y", Order: 1, ParallelGroup: "g"},
		{ID: "z", Name: "Z", Order: 5},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := ids(plan.Frontier(0)); len(got) != 2 {
		t.Errorf("frontier 0 = %v, want the group", got)
	}
	if got := ids(plan.Frontier(1)); len(got) != 1 || got[0] != "z" {
		t.Errorf("frontier 1 = %v, want [z]", got)
	}
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name  string
		steps []model.Step
	}{
		{"duplicate order", []model.Step{{ID: "a", Name: "A", Order: 1}, {ID: "b", Name: "B", Order: 1}}},
		{"duplicate id", []model.Step{{ID: "a", Name: "A", Order: 1}, {ID: "a", Name: "B", Order: 2}}},
		{"missing id", []model.Step{{Name: "A", Order: 1}}},
		{"missing name", []model.Step{{ID: "a", Order: 1}}},
		{"negative retries", []model.Step{{ID: "a", Name: "A", MaxRetries: -1}}},
		{"group collides with step", []model.Step{
			{ID: "a", Name: "A", Order: 1},
			{ID: "b", Name: "B", Order: 1, ParallelGroup: "g"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.steps); !errors.Is(err, model.ErrInvalidPlaybook) {
				t.Errorf("err = %v, want ErrInvalidPlaybook", err)
			}
		})
	}
}

func TestCompileAllowsParallelStepsSharingOrder(t *testing.T) {
	_, err := Compile([]model.Step{
		{ID: "a", Name: "A", Order: 2, ParallelGroup: "g"},
		{ID: "b", Name: "B", Order: 2, ParallelGroup: "g"},
	})
	if err != nil {
		t.Errorf("Compile: %v", err)
	}
}

func TestStepsChanged(t *testing.T) {
	base := []model.Step{{ID: "a", Name: "A", Order: 1, Assignee: model.User{ID: "u1"}}}
	same := []model.Step{{ID: "a", Name: "A", Order: 1, Assignee: model.User{ID: "u1"}}}
	reassigned := []model.Step{{ID: "a", Name: "A", Order: 1, Assignee: model.User{ID: "u2"}}}

	if StepsChanged(base, same) {
		t.Error("identical steps reported as changed")
	}
	if !StepsChanged(base, reassigned) {
		t.Error("reassignment not detected")
	}
	if !StepsChanged(base, nil) {
		t.Error("removal not detected")
	}
	if StepsChanged(nil, []model.Step{}) {
		t.Error("nil and empty should be equal")
	}
}
