package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
	"github.com/jkaninda/memsandbox/internal/sandbox/validator"
)

// DefaultMaxConcurrency is the slot count used when none is configured.
const DefaultMaxConcurrency = 20

// State is a step in an execution's lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateValidating   State = "validating"
	StateAwaitingSlot State = "awaiting_slot"
	StateExecuting    State = "executing"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateViolated     State = "violated"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateViolated
}

// transitions lists the legal moves. Completed out of Validating and
// AwaitingSlot covers encoding errors and cancellation.
var transitions = map[State][]State{
	StateIdle:         {StateValidating},
	StateValidating:   {StateAwaitingSlot, StateViolated, StateCompleted},
	StateAwaitingSlot: {StateExecuting, StateCompleted},
	StateExecuting:    {StateCompleted, StateTimedOut, StateViolated},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Event is delivered to observers on every state change. Result and Elapsed
// are set only when To is terminal.
type Event struct {
	ID      string
	Task    string
	From    State
	To      State
	At      time.Time
	Elapsed time.Duration
	Result  *ExecutionResult
}

// Observer receives coordinator events synchronously. It must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// MaxConcurrency bounds concurrently running children. Zero means
	// DefaultMaxConcurrency.
	MaxConcurrency int64
	// Policy is used by Execute. The zero value means policy.Default().
	Policy policy.Config
	// Memory backs memory.query inside the sandbox. Nil hides the binding.
	Memory memory.Querier
	// Tracer spans the validate and acquire_slot phases. Nil disables it.
	Tracer PhaseTracer
}

// Coordinator drives every execution through validation, slot acquisition
// and isolated execution.
type Coordinator struct {
	runner         Runner
	policy         policy.Config
	memory         memory.Querier
	tracer         PhaseTracer
	maxConcurrency int64
	sem            *semaphore.Weighted
	logger         *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewCoordinator creates a coordinator that runs code through runner.
func NewCoordinator(cfg CoordinatorConfig, runner Runner, logger *slog.Logger) (*Coordinator, error) {
	maxConc := cfg.MaxConcurrency
	if maxConc == 0 {
		maxConc = DefaultMaxConcurrency
	}
	if maxConc < 0 {
		return nil, fmt.Errorf("%w: max concurrency must not be negative", ErrInvalidPolicy)
	}
	pol := cfg.Policy
	if pol.MaxExecutionTime == 0 {
		pol = policy.Default()
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return &Coordinator{
		runner:         runner,
		policy:         pol.Clone(),
		memory:         cfg.Memory,
		tracer:         cfg.Tracer,
		maxConcurrency: maxConc,
		sem:            semaphore.NewWeighted(maxConc),
		logger:         logger,
	}, nil
}

// Subscribe adds an observer.
func (c *Coordinator) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Policy returns a copy of the policy used by Execute.
func (c *Coordinator) Policy() policy.Config {
	return c.policy.Clone()
}

// MaxConcurrency returns the slot count.
func (c *Coordinator) MaxConcurrency() int64 {
	return c.maxConcurrency
}

// Execute runs code under the coordinator's policy.
func (c *Coordinator) Execute(ctx context.Context, code string, execCtx ExecutionContext) ExecutionResult {
	return c.ExecuteWithPolicy(ctx, code, execCtx, c.policy)
}

// ExecuteWithPolicy runs code under cfg. It never panics, never retries and
// returns within cfg.MaxExecutionTime plus bounded overhead once a slot is
// held.
func (c *Coordinator) ExecuteWithPolicy(ctx context.Context, code string, execCtx ExecutionContext, cfg policy.Config) (res ExecutionResult) {
	id, ok := ExecutionIDFrom(ctx)
	if !ok {
		id = uuid.NewString()
	}
	e := &execution{c: c, id: id, task: execCtx.Task, state: StateIdle, start: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sandbox execution panicked",
				slog.String("execution_id", e.id),
				slog.Any("panic", r),
			)
			res = NewError(ErrorRuntime, fmt.Sprintf("internal sandbox error: %v", r), "", "")
			e.finish(StateCompleted, res)
		}
	}()

	e.advance(StateValidating)
	cfg = cfg.Clone()
	_, endValidate := c.startPhase(ctx, PhaseValidate)
	if err := cfg.Validate(); err != nil {
		endValidate(err.Error())
		return e.finish(StateCompleted, NewError(ErrorRuntime, err.Error(), "", ""))
	}
	if err := validator.ValidateFor(code, cfg); err != nil {
		endValidate(err.Error())
		if v, ok := policy.AsViolation(err); ok {
			c.logger.Warn("sandbox code rejected",
				slog.String("execution_id", e.id),
				slog.String("violation", v.Type.String()),
				slog.String("reason", v.Reason),
			)
			return e.finish(StateViolated, FromViolation(v))
		}
		return e.finish(StateCompleted, NewError(ErrorSyntax, err.Error(), "", ""))
	}
	endValidate("")

	e.advance(StateAwaitingSlot)
	_, endAcquire := c.startPhase(ctx, PhaseAcquireSlot)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		endAcquire("canceled")
		return e.finish(StateCompleted, NewError(ErrorRuntime, "execution canceled before a slot was available", "", ""))
	}
	endAcquire("")
	defer c.sem.Release(1)

	e.advance(StateExecuting)
	raw, err := c.runner.Run(ctx, Request{Code: code, Context: execCtx, Policy: cfg, Memory: c.memory})
	if err != nil {
		if !errors.Is(err, ErrLaunch) {
			err = fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		c.logger.Error("sandbox launch failed",
			slog.String("execution_id", e.id),
			slog.String("error", err.Error()),
		)
		return e.finish(StateCompleted, NewError(ErrorRuntime, err.Error(), "", ""))
	}
	if err := raw.Result.Check(); err != nil {
		return e.finish(StateCompleted, NewError(ErrorRuntime, fmt.Sprintf("%v: %v", ErrProtocol, err), "", ""))
	}

	switch raw.Result.Kind {
	case KindTimeout:
		return e.finish(StateTimedOut, raw.Result)
	case KindSecurityViolation:
		return e.finish(StateViolated, raw.Result)
	default:
		return e.finish(StateCompleted, raw.Result)
	}
}

func (c *Coordinator) startPhase(ctx context.Context, phase Phase) (context.Context, func(string)) {
	if c.tracer == nil {
		return ctx, func(string) {}
	}
	return c.tracer.StartPhase(ctx, phase)
}

func (c *Coordinator) notify(ev Event) {
	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()
	for _, o := range observers {
		c.safeObserve(o, ev)
	}
}

func (c *Coordinator) safeObserve(o Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sandbox observer panicked",
				slog.String("execution_id", ev.ID),
				slog.String("transition", string(ev.From)+"->"+string(ev.To)),
				slog.Any("panic", r),
			)
		}
	}()
	o.Observe(ev)
}

// execution is the per-call state machine.
type execution struct {
	c     *Coordinator
	id    string
	task  string
	state State
	start time.Time
}

// advance moves to a non-terminal state. An illegal move is a bug in the
// coordinator and panics into the recovery in ExecuteWithPolicy.
func (e *execution) advance(to State) {
	if !CanTransition(e.state, to) {
		panic(fmt.Sprintf("illegal transition %s -> %s", e.state, to))
	}
	from := e.state
	e.state = to
	e.c.notify(Event{ID: e.id, Task: e.task, From: from, To: to, At: time.Now()})
}

// finish moves to a terminal state and returns res. It is a no-op once a
// terminal state has been reached.
func (e *execution) finish(to State, res ExecutionResult) ExecutionResult {
	if e.state.Terminal() {
		return res
	}
	from := e.state
	if !CanTransition(from, to) {
		e.c.logger.Error("sandbox illegal terminal transition",
			slog.String("execution_id", e.id),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	}
	e.state = to
	e.c.notify(Event{
		ID:      e.id,
		Task:    e.task,
		From:    from,
		To:      to,
		At:      time.Now(),
		Elapsed: time.Since(e.start),
		Result:  &res,
	})
	return res
}
