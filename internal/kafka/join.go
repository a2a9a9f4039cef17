package kafka

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

type joined []Consumer

// JoinConsumers merges several consumers into one. Subscribe runs all of
// them concurrently, so the handler must be safe for concurrent use. The
// first fetch error stops every consumer.
func JoinConsumers(cs ...Consumer) Consumer {
	if len(cs) == 1 {
		return cs[0]
	}
	return joined(cs)
}

func (j joined) Subscribe(ctx context.Context, handler HandlerFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range j {
		g.Go(func() error { return c.Subscribe(ctx, handler) })
	}
	return g.Wait()
}

func (j joined) Close() error {
	errs := make([]error, 0, len(j))
	for _, c := range j {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
