package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived consumer such as a Processor, an Evaluator, or the
// status relay.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Pool runs a fixed set of runners and stops them all when one fails.
type Pool struct {
	runners []Runner
	logger  *zap.Logger
}

// NewPool creates a Pool.
func NewPool(logger *zap.Logger, runners ...Runner) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{runners: runners, logger: logger.Named("pool")}
}

// Run starts every runner and blocks until ctx finishes or a runner fails.
// A runner stopping because ctx ended is not an error.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range p.runners {
		g.Go(func() error {
			err := r.Run(gctx)
			if err != nil && gctx.Err() == nil {
				p.logger.Error("runner stopped", zap.Error(err))
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
