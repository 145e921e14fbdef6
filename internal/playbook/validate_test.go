package playbook

import (
	"context"
	"errors"
	"testing"

	"github.com/alekspetrov/taskflow/internal/model"
)

type library map[string]*model.Playbook

func (l library) get(_ context.Context, id string) (*model.Playbook, error) {
	pb, ok := l[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return pb, nil
}

func nests(id, target string) *model.Playbook {
	pb := &model.Playbook{ID: id, Name: id, ItemType: model.ItemPlaybook}
	if target != "" {
		pb.Steps = []model.Step{{ID: id + "-s1", Name: "run " + target, Order: 1, NestedPlaybookID: target}}
	}
	return pb
}

func TestCheckNestingDetectsCyclesAtAnyDepth(t *testing.T) {
	// a -> b -> c -> d; pointing any of them back at a closes a loop.
	lib := library{
		"a": nests("a", "b"),
		"b": nests("b", "c"),
		"c": nests("c", "d"),
		"d": nests("d", ""),
	}
	for _, id := range []string{"b", "c", "d"} {
		err := Validate(context.Background(), nests(id, "a"), lib.get)
		if !errors.Is(err, model.ErrCyclicNesting) {
			t.Fatalf("saving %s nesting a: err = %v, want ErrCyclicNesting", id, err)
		}
	}

	if err := Validate(context.Background(), nests("x", "x"), lib.get); !errors.Is(err, model.ErrCyclicNesting) {
		t.Errorf("self nesting: err = %v, want ErrCyclicNesting", err)
	}
	if err := Validate(context.Background(), nests("c", "b"), lib.get); !errors.Is(err, model.ErrCyclicNesting) {
		t.Errorf("two-level loop: err = %v, want ErrCyclicNesting", err)
	}
}

func TestCheckNestingAcceptsDiamonds(t *testing.T) {
	lib := library{
		"leaf": nests("leaf", ""),
		"l":    nests("l", "leaf"),
		"r":    nests("r", "leaf"),
	}
	top := &model.Playbook{ID: "top", Name: "top", ItemType: model.ItemPlaybook, Steps: []model.Step{
		{ID: "s1", Name: "left", Order: 1, NestedPlaybookID: "l"},
		{ID: "s2", Name: "right", Order: 2, NestedPlaybookID: "r"},
	}}
	if err := Validate(context.Background(), top, lib.get); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateNestedTargets(t *testing.T) {
	lib := library{"folder": {ID: "folder", Name: "folder", ItemType: model.ItemGroup}}

	if err := Validate(context.Background(), nests("p", "missing"), lib.get); !errors.Is(err, model.ErrInvalidPlaybook) {
		t.Errorf("missing target: err = %v", err)
	}
	if err := Validate(context.Background(), nests("p", "folder"), lib.get); !errors.Is(err, model.ErrInvalidPlaybook) {
		t.Errorf("group target: err = %v", err)
	}
}

func TestValidateFolders(t *testing.T) {
	lib := library{
		"root":  {ID: "root", Name: "root", ItemType: model.ItemGroup},
		"child": {ID: "child", Name: "child", ItemType: model.ItemGroup, ParentID: "root"},
		"pb":    nests("pb", ""),
	}

	ok := &model.Playbook{ID: "new", Name: "new", ItemType: model.ItemPlaybook, ParentID: "child"}
	if err := Validate(context.Background(), ok, lib.get); err != nil {
		t.Errorf("valid parent: %v", err)
	}

	tests := []struct {
		name string
		pb   *model.Playbook
	}{
		{"parent is a playbook", &model.Playbook{ID: "n", Name: "n", ItemType: model.ItemPlaybook, ParentID: "pb"}},
		{"missing parent", &model.Playbook{ID: "n", Name: "n", ItemType: model.ItemPlaybook, ParentID: "nope"}},
		{"hierarchy cycle", &model.Playbook{ID: "root", Name: "root", ItemType: model.ItemGroup, ParentID: "child"}},
		{"group with steps", &model.Playbook{ID: "g", Name: "g", ItemType: model.ItemGroup, Steps: []model.Step{{ID: "s", Name: "s"}}}},
		{"no name", &model.Playbook{ID: "n", ItemType: model.ItemPlaybook}},
		{"unknown type", &model.Playbook{ID: "n", Name: "n", ItemType: "folder"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(context.Background(), tt.pb, lib.get); !errors.Is(err, model.ErrInvalidPlaybook) {
				t.Errorf("err = %v, want ErrInvalidPlaybook", err)
			}
		})
	}
}
