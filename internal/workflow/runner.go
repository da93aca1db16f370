package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrStopRun is the cooperative-cancellation sentinel: a step that observes
// an external cancellation returns it, and the runner stops without
// executing further steps and without treating the run as failed.
var ErrStopRun = errors.New("workflow: stop run")

// Step is one named, independently-retried unit of a durable run. Run must
// be safe to replay from its start.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Job is a named multi-step run handed to the execution substrate.
type Job struct {
	Name  string
	Steps []Step
}

// Runner is the durable execution substrate: each named step runs to
// completion or is retried from the start of that step.
type Runner interface {
	Submit(ctx context.Context, job Job) error
}

// InlineRunner executes jobs in-process: steps run sequentially in a
// background goroutine, each wrapped in an exponential-backoff retry
// envelope. It is the single-instance stand-in for an external durable
// substrate and keeps the same step semantics.
type InlineRunner struct {
	log        *zap.Logger
	maxElapsed time.Duration

	wg sync.WaitGroup
}

func NewInlineRunner(log *zap.Logger, stepRetryBudget time.Duration) *InlineRunner {
	if stepRetryBudget <= 0 {
		stepRetryBudget = 5 * time.Minute
	}
	return &InlineRunner{log: log, maxElapsed: stepRetryBudget}
}

func (r *InlineRunner) Submit(ctx context.Context, job Job) error {
	if len(job.Steps) == 0 {
		return fmt.Errorf("job %q has no steps", job.Name)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(context.WithoutCancel(ctx), job)
	}()
	return nil
}

func (r *InlineRunner) execute(ctx context.Context, job Job) {
	for _, step := range job.Steps {
		err := r.runStep(ctx, job.Name, step)
		if errors.Is(err, ErrStopRun) {
			r.log.Info("run stopped cooperatively",
				zap.String("job", job.Name),
				zap.String("step", step.Name),
			)
			return
		}
		if err != nil {
			r.log.Error("step exhausted its retry budget, abandoning run",
				zap.String("job", job.Name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			return
		}
	}
}

func (r *InlineRunner) runStep(ctx context.Context, jobName string, step Step) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = r.maxElapsed

	attempt := 0
	operation := func() error {
		attempt++
		err := step.Run(ctx)
		if errors.Is(err, ErrStopRun) {
			return backoff.Permanent(err)
		}
		if err != nil {
			r.log.Warn("step failed, will retry",
				zap.String("job", jobName),
				zap.String("step", step.Name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// Wait blocks until all submitted runs finish. Used on shutdown.
func (r *InlineRunner) Wait() {
	r.wg.Wait()
}
