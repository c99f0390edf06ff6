// Package loop implements the Runtime Loop (C11): the orchestrator
// that ties Ingestion, the Policy Evaluator, and the Effect Executor
// into the single path every observation travels (spec §5
// "Observation lifecycle"). It is the kernel's outermost entry point —
// everything else is a library this package calls.
package loop

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/config"
	"github.com/tbutler1132/omnilith/pkg/effectreg"
	"github.com/tbutler1132/omnilith/pkg/effects"
	"github.com/tbutler1132/omnilith/pkg/evaluator"
	"github.com/tbutler1132/omnilith/pkg/ingest"
	"github.com/tbutler1132/omnilith/pkg/obstrace"
	"github.com/tbutler1132/omnilith/pkg/policy"
)

// Options tunes one ProcessObservation pass.
type Options struct {
	Ingest ingest.Options
	// Config bounds the policy evaluation timeout for this pass
	// (spec §4.5). Nil defaults to config.Default(), so most callers
	// never need to set it.
	Config *config.Config
	// SkipEffects runs ingestion and evaluation but does not dispatch
	// effects — used by callers that want to preview what a policy set
	// would do (e.g. a dry-run surface) without committing anything.
	SkipEffects bool
	// ContinueOnEffectError is forwarded to effects.Executor.ExecuteAll
	// for each policy's effect batch.
	ContinueOnEffectError bool
}

// EffectOutcome pairs a policy with what happened when its effects
// were dispatched.
type EffectOutcome struct {
	PolicyID string
	Results  []effects.Result
}

// Summary reports everything one ProcessObservation pass did.
type Summary struct {
	Observation    canon.Observation
	Evaluation     evaluator.Result
	EffectOutcomes []EffectOutcome
}

// ProcessObservation runs the full lifecycle for a single observation:
// ingest it, evaluate every matching policy against it, and — unless
// SkipEffects is set — dispatch each policy's effects in the order the
// policies ran (spec §5 steps 1-4).
func ProcessObservation(ctx context.Context, repos canon.Repositories, compiler *policy.Compiler, executor *effects.Executor, input ingest.Input, opts Options) (Summary, error) {
	ctx, end := obstrace.Default().TrackOperation(ctx, "loop.ProcessObservation", attribute.String("observation.type", input.Type))
	summary, err := processObservation(ctx, repos, compiler, executor, input, opts)
	end(err)
	return summary, err
}

func processObservation(ctx context.Context, repos canon.Repositories, compiler *policy.Compiler, executor *effects.Executor, input ingest.Input, opts Options) (Summary, error) {
	obs, err := ingest.Ingest(ctx, repos, input, opts.Ingest)
	if err != nil {
		return Summary{}, err
	}

	policies, err := repos.Policies().ListMatching(ctx, obs.Type)
	if err != nil {
		return Summary{}, err
	}

	cfg := opts.Config
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}

	result, err := evaluator.Evaluate(ctx, repos, compiler, obs, policies, cfg.PolicyTimeout)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Observation: obs, Evaluation: result}
	if opts.SkipEffects {
		return summary, nil
	}

	for _, pr := range result.PolicyResults {
		if pr.Err != nil || len(pr.Effects) == 0 {
			continue
		}
		ectx := effectreg.Context{NodeID: obs.NodeID, ObservationID: obs.ID, PolicyID: pr.PolicyID}
		results := executor.ExecuteAll(ctx, pr.Effects, ectx, opts.ContinueOnEffectError)
		summary.EffectOutcomes = append(summary.EffectOutcomes, EffectOutcome{PolicyID: pr.PolicyID, Results: results})
	}

	return summary, nil
}

// ConcurrentProcessor fans ProcessObservation out across many
// observations while serializing everything that touches the same
// node: observations for different nodes run concurrently, and
// observations for the same node never run at the same time, though
// the order in which they run is not defined. A single node's policies read and write
// that node's own state (prior effects, delegation, grants), so
// concurrent passes for one node would race on ordering even though
// Prism's transactions keep any single write safe.
type ConcurrentProcessor struct {
	repos    canon.Repositories
	compiler *policy.Compiler
	executor *effects.Executor

	mu        sync.Mutex
	nodeLocks map[string]*sync.Mutex
}

// NewConcurrentProcessor builds a ConcurrentProcessor over the given
// kernel components.
func NewConcurrentProcessor(repos canon.Repositories, compiler *policy.Compiler, executor *effects.Executor) *ConcurrentProcessor {
	return &ConcurrentProcessor{repos: repos, compiler: compiler, executor: executor, nodeLocks: make(map[string]*sync.Mutex)}
}

func (c *ConcurrentProcessor) lockFor(nodeID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.nodeLocks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		c.nodeLocks[nodeID] = l
	}
	return l
}

// ProcessAll runs ProcessObservation for every input concurrently,
// serializing by NodeID, and returns one Summary per input in the same
// order the inputs were given. It reports the first error encountered
// across all inputs, if any, after every goroutine has finished.
func (c *ConcurrentProcessor) ProcessAll(ctx context.Context, inputs []ingest.Input, opts Options) ([]Summary, error) {
	summaries := make([]Summary, len(inputs))

	// A plain Group, not WithContext: one input's failure must not
	// cancel the observations still being processed for other nodes.
	var g errgroup.Group
	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			lock := c.lockFor(input.NodeID)
			lock.Lock()
			defer lock.Unlock()
			summary, err := ProcessObservation(ctx, c.repos, c.compiler, c.executor, input, opts)
			summaries[i] = summary
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return summaries, err
	}
	return summaries, nil
}
