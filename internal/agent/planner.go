// Package agent runs the bounded plan/execute/observe loop that turns a
// user question into an answer, optionally with a saved result file.
package agent

import (
	"context"
	"errors"
	"sync"

	"optibot/internal/conversation"
)

// ErrNoProposal is returned when the planner produces neither a tool
// call nor an answer.
var ErrNoProposal = errors.New("planner returned no proposal")

// Action is one planner decision: call Tool with Args, or finish with
// Answer. Exactly one of Tool/Answer is set.
type Action struct {
	Tool   string
	Args   map[string]any
	Answer string
}

// Observation is a completed step fed back into planning.
type Observation struct {
	Tool    string
	Args    map[string]any
	Text    string
	IsError bool
}

// Request carries everything the planner may condition on. It is
// rebuilt for every proposal, so planners hold no turn state and a
// retried proposal sees exactly what the first one saw.
type Request struct {
	Query        string
	PriorTurns   []conversation.Turn
	Observations []Observation
}

// Planner proposes the next action for a turn.
type Planner interface {
	Propose(ctx context.Context, req *Request) (*Action, error)
}

// ScriptedPlanner replays a fixed sequence of actions. Test double.
type ScriptedPlanner struct {
	mu      sync.Mutex
	actions []*Action
	errs    []error

	// Requests records what each Propose call saw.
	Requests []*Request
}

// NewScriptedPlanner builds a planner that returns the given actions in
// order. A nil action at position i makes that call fail with errs[i].
func NewScriptedPlanner(actions ...*Action) *ScriptedPlanner {
	return &ScriptedPlanner{actions: actions}
}

// Fail schedules an error for the next unconsumed position.
func (p *ScriptedPlanner) Fail(err error) *ScriptedPlanner {
	p.actions = append(p.actions, nil)
	p.errs = append(p.errs, err)
	return p
}

// Propose pops the next scripted action.
func (p *ScriptedPlanner) Propose(_ context.Context, req *Request) (*Action, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)

	if len(p.actions) == 0 {
		return nil, ErrNoProposal
	}
	action := p.actions[0]
	p.actions = p.actions[1:]
	if action == nil {
		err := ErrNoProposal
		if len(p.errs) > 0 {
			err = p.errs[0]
			p.errs = p.errs[1:]
		}
		return nil, err
	}
	return action, nil
}
