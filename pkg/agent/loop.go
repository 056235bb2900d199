package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
)

// UnrecoverableMessage is the result of every aborted run.
const UnrecoverableMessage = "Unrecoverable error encountered."

// ErrTurnBudgetExhausted aborts a run that used up its MaxTurns.
var ErrTurnBudgetExhausted = errors.New("turn budget exhausted")

// State is a position in the execution loop.
type State int

const (
	StateStart State = iota
	StateAwaitModel
	StateDispatch
	StateEvaluate
	StateTerminated
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateAwaitModel:
		return "await_model"
	case StateDispatch:
		return "dispatch"
	case StateEvaluate:
		return "evaluate"
	case StateTerminated:
		return "terminated"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Done reports whether the state is final.
func (s State) Done() bool {
	return s == StateTerminated || s == StateAborted
}

// Message is an initial transcript message.
type Message struct {
	Role    domain.Role
	Content string
}

// StepKind distinguishes the artifacts a run yields.
type StepKind string

const (
	// StepMessage is free text from the model.
	StepMessage StepKind = "message"
	// StepFunction is an executed (or unknown) function and its outcome.
	StepFunction StepKind = "function"
)

// Step is the artifact yielded after each completed turn.
type Step struct {
	Kind    StepKind             `json:"kind"`
	Turn    int                  `json:"turn"`
	Text    string               `json:"text,omitempty"`
	Call    *domain.FunctionCall `json:"call,omitempty"`
	Outcome *domain.Outcome      `json:"outcome,omitempty"`
	// Final is set on the step that terminated the run.
	Final bool `json:"final,omitempty"`
}

// Result is the final result of a run.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	// Err is the cause of an aborted run.
	Err error `json:"-"`
}

// LoopConfig configures a run.
type LoopConfig struct {
	Name            string
	Registry        *function.Registry
	InitialMessages []Message
	// LoopPreventionPrompt is injected when the model repeats itself.
	LoopPreventionPrompt string
	// MaxRepeats, when positive, also injects the prompt once the same call
	// has been made that many times during the run.
	MaxRepeats int
	// MaxTurns, when positive, aborts the run after that many turns.
	MaxTurns int
}

// Run is one execution of the loop. It is driven by a single goroutine
// calling Next.
type Run struct {
	ctx *Context
	cfg LoopConfig

	state  State
	turns  int
	result Result

	call    *domain.FunctionCall
	def     function.Definition
	outcome domain.Outcome

	lastKey string
	counts  map[string]int
}

// NewRun prepares a run of cfg on c. Nothing happens until Next is called.
func NewRun(c *Context, cfg LoopConfig) *Run {
	return &Run{
		ctx:    c,
		cfg:    cfg,
		state:  StateStart,
		counts: make(map[string]int),
	}
}

// State returns the current state.
func (r *Run) State() State { return r.state }

// Context returns the agent context the run mutates.
func (r *Run) Context() *Context { return r.ctx }

// Result returns the final result once the run is done.
func (r *Run) Result() (Result, bool) {
	return r.result, r.state.Done()
}

// Next advances the loop until a turn completes and returns its step. A
// non-empty steer is appended as an ephemeral user entry before the next
// model query. Once the run is done Next returns false; see Result.
func (r *Run) Next(ctx context.Context, steer string) (Step, bool) {
	if r.state.Done() {
		return Step{}, false
	}
	step, err := r.safeTurn(ctx, steer)
	if err != nil {
		r.abort(err)
		return Step{}, false
	}
	return step, true
}

// Steps iterates over the remaining steps without steering.
func (r *Run) Steps(ctx context.Context) iter.Seq[Step] {
	return func(yield func(Step) bool) {
		for {
			step, ok := r.Next(ctx, "")
			if !ok || !yield(step) {
				return
			}
		}
	}
}

// Wait drives the run to completion and returns its result.
func (r *Run) Wait(ctx context.Context) Result {
	for range r.Steps(ctx) {
	}
	res, _ := r.Result()
	return res
}

func (r *Run) abort(err error) {
	if err == nil {
		err = context.Canceled
	}
	r.ctx.logger().Error("Agent run aborted", "agent", r.cfg.Name, "state", r.state.String(), "turn", r.turns, "error", err)
	r.state = StateAborted
	r.result = Result{OK: false, Message: UnrecoverableMessage, Err: err}
}

func (r *Run) safeTurn(ctx context.Context, steer string) (step Step, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in turn %d: %v", r.turns, p)
		}
	}()
	return r.turn(ctx, steer)
}

func (r *Run) turn(ctx context.Context, steer string) (Step, error) {
	t := r.ctx.Transcript

	if r.state == StateStart {
		for _, m := range r.cfg.InitialMessages {
			if err := t.AppendPersistent(m.Role, m.Content); err != nil {
				return Step{}, fmt.Errorf("appending initial message: %w", err)
			}
		}
		r.state = StateAwaitModel
	}

	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	if r.cfg.MaxTurns > 0 && r.turns >= r.cfg.MaxTurns {
		return Step{}, fmt.Errorf("%w after %d turns", ErrTurnBudgetExhausted, r.turns)
	}

	if steer != "" {
		if err := t.AppendEphemeral(domain.RoleUser, steer); err != nil {
			return Step{}, fmt.Errorf("appending steering message: %w", err)
		}
	}

	for {
		switch r.state {
		case StateAwaitModel:
			step, done, err := r.awaitModel(ctx)
			if err != nil || done {
				return step, err
			}
		case StateDispatch:
			if err := r.dispatch(ctx); err != nil {
				return Step{}, err
			}
		case StateEvaluate:
			return r.evaluate()
		default:
			return Step{}, fmt.Errorf("unexpected state %s", r.state)
		}
	}
}

// awaitModel queries the model. A text reply completes the turn; a function
// call moves the loop to Dispatch.
func (r *Run) awaitModel(ctx context.Context) (Step, bool, error) {
	c := r.ctx

	stream, err := c.Provider.Stream(ctx, c.ModelName, c.Transcript.Materialize(), r.cfg.Registry.Declarations())
	if err != nil {
		return Step{}, false, fmt.Errorf("streaming model: %w", err)
	}
	defer stream.Close()

	msg, err := stream.FullMessage()
	if err != nil {
		return Step{}, false, fmt.Errorf("getting model response: %w", err)
	}

	if len(msg.Calls) == 0 {
		if err := c.Transcript.AppendEphemeral(domain.RoleAssistant, msg.Text); err != nil {
			return Step{}, false, fmt.Errorf("appending model reply: %w", err)
		}
		r.turns++
		return Step{Kind: StepMessage, Turn: r.turns, Text: msg.Text}, true, nil
	}

	if len(msg.Calls) > 1 {
		c.logger().Warn("Model requested several functions, using the first", "agent", r.cfg.Name, "count", len(msg.Calls))
	}
	call := msg.Calls[0]
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	if err := c.Transcript.AppendFunctionCall(call, msg.Text); err != nil {
		return Step{}, false, fmt.Errorf("appending function call: %w", err)
	}
	r.call = &call
	r.state = StateDispatch
	return Step{}, false, nil
}

func (r *Run) dispatch(ctx context.Context) error {
	call := r.call
	exec, err := r.cfg.Registry.BuildExecutor(call.Name, NewDispatcher(r.ctx))
	if errors.Is(err, function.ErrUnknownFunction) {
		r.ctx.logger().Warn("Model requested unknown function", "agent", r.cfg.Name, "function", call.Name)
		r.def = function.Definition{Name: call.Name}
		r.outcome = r.unknownOutcome(call.Name)
		r.state = StateEvaluate
		return nil
	}
	if err != nil {
		return err
	}

	r.def, _ = r.cfg.Registry.Resolve(call.Name)
	outcome, err := exec(ctx, call.Arguments)
	if err != nil {
		return fmt.Errorf("executing %s: %w", call.Name, err)
	}
	r.outcome = outcome
	r.state = StateEvaluate
	return nil
}

func (r *Run) unknownOutcome(name string) domain.Outcome {
	return domain.Outcome{
		OK:    false,
		Title: fmt.Sprintf("[%s] Unknown function %s", r.cfg.Name, name),
		Message: fmt.Sprintf("Error: function %q does not exist. Available functions: %s.",
			name, strings.Join(r.cfg.Registry.Names(), ", ")),
	}
}

// evaluate records the outcome and decides between termination and another
// model turn, injecting the loop-prevention prompt when needed.
func (r *Run) evaluate() (Step, error) {
	t := r.ctx.Transcript
	call, outcome := r.call, r.outcome
	r.call = nil

	if err := t.AppendFunctionResult(call.Name, outcome); err != nil {
		return Step{}, fmt.Errorf("appending function result: %w", err)
	}
	r.turns++
	step := Step{Kind: StepFunction, Turn: r.turns, Call: call, Outcome: &outcome}

	if r.def.IsTermination {
		r.state = StateTerminated
		r.result = Result{OK: outcome.OK, Message: outcome.Text()}
		r.ctx.logger().Info("Agent run terminated", "agent", r.cfg.Name, "function", call.Name, "ok", outcome.OK, "turns", r.turns)
		step.Final = true
		return step, nil
	}

	if r.repeating(call) && r.cfg.LoopPreventionPrompt != "" {
		if err := t.AppendEphemeral(domain.RoleSystem, r.cfg.LoopPreventionPrompt); err != nil {
			return Step{}, fmt.Errorf("appending loop prevention prompt: %w", err)
		}
	}
	r.state = StateAwaitModel
	return step, nil
}

// repeating tracks dispatched calls and reports whether call repeats the
// previous one or has hit the MaxRepeats threshold.
func (r *Run) repeating(call *domain.FunctionCall) bool {
	key := CallKey(call.Name, call.Arguments)
	r.counts[key]++
	repeat := key == r.lastKey
	r.lastKey = key
	if r.cfg.MaxRepeats > 0 && r.counts[key] >= r.cfg.MaxRepeats {
		return true
	}
	return repeat
}

// CallKey identifies a call by name and canonical JSON arguments.
func CallKey(name string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return name + ":" + fmt.Sprint(args)
	}
	return name + ":" + string(b)
}
