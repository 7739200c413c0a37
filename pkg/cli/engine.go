package cli

import (
	"context"

	"github.com/cuemby/warden/pkg/bus"
	"github.com/cuemby/warden/pkg/corerr"
	"github.com/cuemby/warden/pkg/graph"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/taskhandler"
	"github.com/cuemby/warden/pkg/workqueue"
	"github.com/rs/zerolog"
)

// Position classifies where in a pipeline a stage may appear.
type Position int

const (
	PositionSource Position = iota
	PositionFlow
	PositionSink
)

// chanBufSize bounds the channel between adjacent stages, giving the
// "bounded channels between pipeline stages" re-expression of the
// coroutine model named in spec.md §9.
const chanBufSize = 16

// runFunc is a compiled stage's body. Source stages ignore in. Sink and
// flow stages read from in until it closes, writing to out; closing out
// signals completion to the next stage.
type runFunc func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error

// compiledStage is one stage ready to run, with its declared position
// checked at compile time.
type compiledStage struct {
	name     string
	position Position
	run      runFunc
}

// factory builds a compiledStage from a stage's raw argument words,
// returning a ParseError for malformed arguments — spec.md §4.5 requires
// every argument-validity failure to surface at compile time, never at
// execution.
type factory func(args []string) (compiledStage, error)

// Registry maps stage names to their factories.
type Registry struct {
	factories map[string]factory
}

func newRegistry() *Registry { return &Registry{factories: make(map[string]factory)} }

func (r *Registry) register(name string, f factory) { r.factories[name] = f }

// Env is the set of collaborators a stage's run function may call into:
// the resource graph, the worker queue, the task handler, persistence
// and the bus. Resolving these by name at execute-time (rather than at
// construction) breaks the cyclic dependency between TaskHandler and CLI
// described in spec.md §9.
type Env struct {
	Graph      graph.Store
	WorkQueue  *workqueue.Queue
	Tasks      *taskhandler.Handler
	Store      *storage.Store
	Bus        *bus.Bus
	Logger     zerolog.Logger
	NoInteractive bool
}

// Pipeline is one compiled `|`-chain, ready to Run repeatedly.
type Pipeline struct {
	stages []compiledStage
}

// CompiledCommand is a full `;`-separated command line, compiled once
// and runnable many times.
type CompiledCommand struct {
	pipelines []Pipeline
}

// Engine owns the stage registry and collaborators, and is the
// CommandExecutor the TaskHandler calls for ExecuteCommand steps.
type Engine struct {
	registry *Registry
	env      *Env
}

// New creates an Engine with every built-in stage registered.
func New(env *Env) *Engine {
	e := &Engine{registry: newRegistry(), env: env}
	registerCoreStages(e.registry)
	registerDomainStages(e.registry)
	registerHTTPStages(e.registry)
	return e
}

// Compile parses and validates line, returning ParseError for any
// grammar or position violation.
func (e *Engine) Compile(line string) (*CompiledCommand, error) {
	pipelineSpecs, err := parseCommandLine(line)
	if err != nil {
		return nil, err
	}

	cmd := &CompiledCommand{}
	for _, specs := range pipelineSpecs {
		pipeline, err := e.compilePipeline(specs)
		if err != nil {
			return nil, err
		}
		cmd.pipelines = append(cmd.pipelines, pipeline)
	}
	return cmd, nil
}

func (e *Engine) compilePipeline(specs []stageSpec) (Pipeline, error) {
	var stages []compiledStage
	for i, spec := range specs {
		f, ok := e.registry.factories[spec.name]
		if !ok {
			return Pipeline{}, corerr.New(corerr.KindParseError, "unknown stage: "+spec.name)
		}
		stage, err := f(spec.args)
		if err != nil {
			return Pipeline{}, err
		}

		switch {
		case i == 0 && stage.position != PositionSource:
			return Pipeline{}, corerr.New(corerr.KindParseError, spec.name+": must be a source stage at pipeline head")
		case i > 0 && stage.position == PositionSource:
			return Pipeline{}, corerr.New(corerr.KindParseError, spec.name+": source stage cannot follow another stage")
		case i < len(specs)-1 && stage.position == PositionSink:
			return Pipeline{}, corerr.New(corerr.KindParseError, spec.name+": sink stage must be last")
		}
		stages = append(stages, stage)
	}
	return Pipeline{stages: stages}, nil
}

// Run executes every pipeline in the command line in sequence, returning
// the collected output of the last pipeline (the common case
// callers care about for a single-pipeline command line).
func (e *Engine) Run(ctx context.Context, cmd *CompiledCommand) ([]any, error) {
	var last []any
	for _, p := range cmd.pipelines {
		values, err := e.runPipeline(ctx, p)
		if err != nil {
			return nil, err
		}
		last = values
	}
	return last, nil
}

func (e *Engine) runPipeline(ctx context.Context, p Pipeline) ([]any, error) {
	if len(p.stages) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var upstream <-chan any
	errCh := make(chan error, len(p.stages))

	for _, stage := range p.stages {
		out := make(chan any, chanBufSize)
		in := upstream
		stage := stage
		go func() {
			defer close(out)
			if err := stage.run(ctx, e.env, in, out); err != nil {
				errCh <- err
				cancel()
			}
		}()
		upstream = out
	}

	var results []any
	if upstream != nil {
		for v := range upstream {
			results = append(results, v)
		}
	}

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	return results, nil
}

// Execute implements taskhandler.CommandExecutor: compile and run
// commandLine, discarding output but propagating errors.
func (e *Engine) Execute(ctx context.Context, commandLine string, environment map[string]string) error {
	cmd, err := e.Compile(commandLine)
	if err != nil {
		return err
	}
	_, err = e.Run(ctx, cmd)
	return err
}

// ExecuteForOutput compiles and runs commandLine, returning its
// collected output (used by the `run` command and by tests).
func (e *Engine) ExecuteForOutput(ctx context.Context, commandLine string) ([]any, error) {
	cmd, err := e.Compile(commandLine)
	if err != nil {
		return nil, err
	}
	start := metrics.NewTimer()
	out, err := e.Run(ctx, cmd)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.PipelinesExecuted.WithLabelValues(outcome).Inc()
	_ = start
	return out, err
}

func timedStage(name string, run runFunc) runFunc {
	return func(ctx context.Context, env *Env, in <-chan any, out chan<- any) error {
		timer := metrics.NewTimer()
		err := run(ctx, env, in, out)
		timer.ObserveDurationVec(metrics.StageDuration, name)
		return err
	}
}

// drain drains in without interpretation, used by stages that
// exit early (e.g. head/limit) so upstream producers don't block
// forever writing to a channel nobody reads.
func drain(in <-chan any) {
	for range in {
	}
}
