// Package playbook compiles playbook steps into an execution plan and
// validates playbook structure before it is saved.
package playbook

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alekspetrov/taskflow/internal/model"
)

// Node is one frontier of a plan.
type Node interface {
	// Position is the order value the node sorts by.
	Position() int
	// Leaves returns the steps that must finish before the plan advances.
	Leaves() []model.Step
}

// StepNode is a single step executed as one task.
type StepNode struct {
	Step model.Step
}

// NestedPlaybookRef is a step that runs another playbook to completion.
type NestedPlaybookRef struct {
	Step model.Step
}

// ParallelGroup holds mutually unordered steps that all gate the next frontier.
type ParallelGroup struct {
	Name    string
	Members []Node
}

func (n *StepNode) Position() int          { return n.Step.Order }
func (n *StepNode) Leaves() []model.Step   { return []model.Step{n.Step} }
func (n *NestedPlaybookRef) Position() int { return n.Step.Order }
func (n *NestedPlaybookRef) Leaves() []model.Step {
	return []model.Step{n.Step}
}

func (g *ParallelGroup) Position() int {
	min := g.Members[0].Position()
	for _, m := range g.Members[1:] {
		if p := m.Position(); p < min {
			min = p
		}
	}
	return min
}

func (g *ParallelGroup) Leaves() []model.Step {
	out := make([]model.Step, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m.Leaves()...)
	}
	return out
}

// Plan is the ordered sequence of frontiers of a playbook.
type Plan struct {
	Frontiers []Node
}

// Len returns the number of frontiers.
func (p *Plan) Len() int { return len(p.Frontiers) }

// Frontier returns the leaf steps of frontier i, or nil past the end.
func (p *Plan) Frontier(i int) []model.Step {
	if i < 0 || i >= len(p.Frontiers) {
		return nil
	}
	return p.Frontiers[i].Leaves()
}

// FrontierOf returns the index of the frontier containing stepID.
func (p *Plan) FrontierOf(stepID string) (int, bool) {
	for i, n := range p.Frontiers {
		for _, s := range n.Leaves() {
			if s.ID == stepID {
				return i, true
			}
		}
	}
	return 0, false
}

// Step looks up a step by id.
func (p *Plan) Step(stepID string) (model.Step, bool) {
	for _, n := range p.Frontiers {
		for _, s := range n.Leaves() {
			if s.ID == stepID {
				return s, true
			}
		}
	}
	return model.Step{}, false
}

func leaf(s model.Step) Node {
	if s.NestedPlaybookID != "" {
		return &NestedPlaybookRef{Step: s}
	}
	return &StepNode{Step: s}
}

// Compile checks the local shape of steps and orders them into frontiers.
func Compile(steps []model.Step) (*Plan, error) {
	ids := make(map[string]bool, len(steps))
	orders := make(map[int]string)
	groups := make(map[string]*ParallelGroup)
	var nodes []Node

	for _, s := range steps {
		if strings.TrimSpace(s.ID) == "" {
			return nil, fmt.Errorf("%w: step without id", model.ErrInvalidPlaybook)
		}
		if ids[s.ID] {
			return nil, fmt.Errorf("%w: duplicate step id %s", model.ErrInvalidPlaybook, s.ID)
		}
		ids[s.ID] = true
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("%w: step %s has no name", model.ErrInvalidPlaybook, s.ID)
		}
		if s.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: step %s has negative max_retries", model.ErrInvalidPlaybook, s.ID)
		}

		if s.ParallelGroup == "" {
			if other, ok := orders[s.Order]; ok {
				return nil, fmt.Errorf("%w: steps %s and %s share order %d", model.ErrInvalidPlaybook, other, s.ID, s.Order)
			}
			orders[s.Order] = s.ID
			nodes = append(nodes, leaf(s))
			continue
		}

		g, ok := groups[s.ParallelGroup]
		if !ok {
			g = &ParallelGroup{Name: s.ParallelGroup}
			groups[s.ParallelGroup] = g
			nodes = append(nodes, g)
		}
		g.Members = append(g.Members, leaf(s))
	}

	positions := make(map[int]string, len(nodes))
	for _, n := range nodes {
		name := nodeName(n)
		if other, ok := positions[n.Position()]; ok {
			return nil, fmt.Errorf("%w: %s and %s both sit at order %d", model.ErrInvalidPlaybook, other, name, n.Position())
		}
		positions[n.Position()] = name
	}

	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Position() < nodes[j].Position() })
	return &Plan{Frontiers: nodes}, nil
}

func nodeName(n Node) string {
	switch v := n.(type) {
	case *ParallelGroup:
		return "group " + v.Name
	case *StepNode:
		return "step " + v.Step.ID
	case *NestedPlaybookRef:
		return "step " + v.Step.ID
	}
	return "node"
}
