package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"optibot/internal/artifact"
	"optibot/internal/conversation"
	"optibot/internal/gateway"
)

// State is the engine's position in the turn lifecycle.
type State string

const (
	StateProposing State = "proposing"
	StateExecuting State = "executing"
	StateObserving State = "observing"
	StateFinished  State = "finished"
	StateAborted   State = "aborted"
)

// Config bounds one turn.
type Config struct {
	// StepCap is the maximum number of executed actions per turn.
	StepCap int
	// TurnTimeout bounds the wall-clock time of a turn.
	TurnTimeout time.Duration
	// RetriesPerError caps how many times each recoverable error kind
	// may be fed back into planning before the turn aborts.
	RetriesPerError int
}

// TurnResult is the outcome of one engine run.
type TurnResult struct {
	State      State
	Outcome    conversation.Outcome
	Answer     string
	ArtifactID string
	Filename   string
	Steps      []conversation.ActionStep

	// FailureKind and Reason are set when the turn aborted. TimedOut
	// marks the deadline abort so callers don't parse Reason text.
	FailureKind gateway.ErrorKind
	Reason      string
	TimedOut    bool
}

// Engine drives the propose/execute/observe loop.
type Engine struct {
	planner   Planner
	gateway   *gateway.Gateway
	artifacts *artifact.Manager
	cfg       Config
	logger    *zap.Logger
}

// NewEngine creates an engine.
func NewEngine(planner Planner, gw *gateway.Gateway, artifacts *artifact.Manager, cfg Config, logger *zap.Logger) *Engine {
	if cfg.StepCap <= 0 {
		cfg.StepCap = 8
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 60 * time.Second
	}
	if cfg.RetriesPerError <= 0 {
		cfg.RetriesPerError = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{planner: planner, gateway: gw, artifacts: artifacts, cfg: cfg, logger: logger}
}

// Run executes one turn. The loop terminates in every case: the step
// cap bounds executed actions, the per-kind retry limits bound error
// feedback, and the turn timeout bounds wall-clock time.
func (e *Engine) Run(ctx context.Context, query string, priorTurns []conversation.Turn) *TurnResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()

	req := &Request{Query: query, PriorTurns: priorTurns}
	result := &TurnResult{State: StateProposing}
	retries := make(map[gateway.ErrorKind]int)

	var lastRows *gateway.ResultSet
	retrieved := false

	for step := 0; step < e.cfg.StepCap; step++ {
		if ctx.Err() != nil {
			return e.abortTimeout(result)
		}

		result.State = StateProposing
		action, err := e.planner.Propose(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return e.abortTimeout(result)
			}
			return e.abort(result, gateway.KindUnavailable,
				fmt.Sprintf("planner unavailable: %v", err))
		}

		if action.Tool == "" {
			result.State = StateFinished
			result.Answer = action.Answer
			result.Outcome = conversation.OutcomeAnswered
			if retrieved && lastRows.Empty() && result.ArtifactID == "" {
				result.Outcome = conversation.OutcomeNoData
			}
			return result
		}

		result.State = StateExecuting
		obs := e.execute(ctx, action, &lastRows, &retrieved, result)
		result.State = StateObserving
		result.Steps = append(result.Steps, conversation.ActionStep{
			Tool:        obs.Tool,
			Args:        obs.Args,
			Observation: obs.Text,
			ErrKind:     obs.errKind,
		})

		if obs.IsError {
			kind := gateway.ErrorKind(obs.errKind)
			te := &gateway.ToolError{Kind: kind, Message: obs.Text}
			if !te.Recoverable() {
				return e.abort(result, kind, obs.Text)
			}
			retries[kind]++
			if retries[kind] > e.cfg.RetriesPerError {
				return e.abort(result, kind,
					fmt.Sprintf("gave up after repeated %s errors: %s", kind, obs.Text))
			}
		}
		req.Observations = append(req.Observations, obs.Observation)
	}

	return e.abort(result, gateway.KindBadInput, "step limit reached without an answer")
}

type stepObservation struct {
	Observation
	errKind string
}

// execute runs one proposed action, including the engine-owned
// save_results step, and renders the observation for the planner.
func (e *Engine) execute(ctx context.Context, action *Action, lastRows **gateway.ResultSet, retrieved *bool, result *TurnResult) stepObservation {
	obs := stepObservation{Observation: Observation{Tool: action.Tool, Args: action.Args}}

	if action.Tool == gateway.ToolSaveResults {
		// No artifact without data: the guard is structural, not
		// prompt-dependent.
		if (*lastRows).Empty() {
			obs.IsError = true
			obs.errKind = string(gateway.KindBadInput)
			obs.Text = "no query results to save; run execute_query first and only save when it returns rows"
			return obs
		}
		title, _ := action.Args["title"].(string)
		if title == "" {
			title = "Query results"
		}
		art, err := e.artifacts.Create(*lastRows, title)
		if err != nil {
			obs.IsError = true
			obs.errKind = string(gateway.KindUnavailable)
			obs.Text = fmt.Sprintf("failed to save results: %v", err)
			return obs
		}
		result.ArtifactID = art.ID
		result.Filename = art.Filename
		obs.Text = fmt.Sprintf("results saved as %s (%d rows)", art.Filename, art.Rows)
		if art.Truncated {
			obs.Text += ", truncated to fit the size limit"
		}
		return obs
	}

	if !e.gateway.Has(action.Tool) {
		obs.IsError = true
		obs.errKind = string(gateway.KindBadInput)
		obs.Text = fmt.Sprintf("unknown tool %q", action.Tool)
		return obs
	}

	res, err := e.gateway.Execute(ctx, action.Tool, action.Args)
	if err != nil {
		te := gateway.AsToolError(err)
		obs.IsError = true
		obs.errKind = string(te.Kind)
		obs.Text = te.Message
		e.logger.Debug("tool failed",
			zap.String("tool", action.Tool),
			zap.String("kind", string(te.Kind)))
		return obs
	}

	if e.gateway.IsRetrieval(action.Tool) {
		*retrieved = true
		*lastRows = res.Output.Rows
	}
	obs.Text = res.Output.Text
	return obs
}

func (e *Engine) abortTimeout(result *TurnResult) *TurnResult {
	result.TimedOut = true
	return e.abort(result, gateway.KindUnavailable, "turn timed out")
}

func (e *Engine) abort(result *TurnResult, kind gateway.ErrorKind, reason string) *TurnResult {
	result.State = StateAborted
	result.Outcome = conversation.OutcomeAborted
	result.FailureKind = kind
	result.Reason = reason
	e.logger.Warn("turn aborted",
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
	return result
}
