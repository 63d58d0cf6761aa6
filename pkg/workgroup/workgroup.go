package workgroup

import (
	"context"

	"github.com/amazonlinux/bottlerocket/retriever/pkg/logging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Group runs named workers that share a context. The first worker to return
// an error cancels the others.
type Group struct {
	log   logging.Logger
	ctx   context.Context
	group *errgroup.Group
}

// WithContext creates a Group whose workers are canceled along with ctx.
func WithContext(ctx context.Context, log logging.Logger) *Group {
	group, gctx := errgroup.WithContext(ctx)
	return &Group{
		log:   log,
		ctx:   gctx,
		group: group,
	}
}

// Work starts fn as the named worker.
func (g *Group) Work(name string, fn func(context.Context) error) {
	log := g.log.WithField("worker", name)
	g.group.Go(func() error {
		log.Debug("starting")
		err := fn(g.ctx)
		if err != nil && errors.Cause(err) != context.Canceled {
			log.WithError(err).Error("worker failed")
			return errors.WithMessagef(err, "worker %s", name)
		}
		log.Debug("finished")
		return nil
	})
}

// Wait blocks until all workers have returned.
func (g *Group) Wait() error {
	return g.group.Wait()
}
