package data

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/trainloop/trainer"
)

// MapFunc transforms one batch. It is called concurrently.
type MapFunc func(ctx context.Context, batch trainer.Batch) (trainer.Batch, error)

// MapLoader applies a MapFunc to every batch of a source loader with a pool
// of workers. Batches come out in source order.
type MapLoader struct {
	src     trainer.DataLoader
	fn      MapFunc
	workers int
}

// NewMapLoader wraps src. workers < 1 is an error.
func NewMapLoader(src trainer.DataLoader, fn MapFunc, workers int) (*MapLoader, error) {
	if src == nil || fn == nil {
		return nil, errors.New("map loader needs a source and a function")
	}
	if workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", workers)
	}
	return &MapLoader{src: src, fn: fn, workers: workers}, nil
}

// Len returns the source length.
func (l *MapLoader) Len() int { return l.src.Len() }

type mapResult struct {
	batch trainer.Batch
	err   error
}

type mapJob struct {
	batch trainer.Batch
	out   chan mapResult
}

// Iter starts the producer and workers. Close must be called to stop them.
func (l *MapLoader) Iter(ctx context.Context, epoch int) (trainer.BatchIterator, error) {
	src, err := l.src.Iter(ctx, epoch)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan mapJob, l.workers)
	order := make(chan chan mapResult, 2*l.workers)

	g.Go(func() error {
		defer close(order)
		defer close(jobs)
		for {
			b, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			out := make(chan mapResult, 1)
			select {
			case jobs <- mapJob{batch: b, out: out}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case order <- out:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	for range l.workers {
		g.Go(func() error {
			for j := range jobs {
				b, err := l.fn(gctx, j.batch)
				j.out <- mapResult{batch: b, err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return &mapIterator{src: src, g: g, cancel: cancel, order: order}, nil
}

type mapIterator struct {
	src    trainer.BatchIterator
	g      *errgroup.Group
	cancel context.CancelFunc
	order  chan chan mapResult
	err    error
	closed bool
}

func (it *mapIterator) Next() (trainer.Batch, error) {
	if it.err != nil {
		return nil, it.err
	}
	out, ok := <-it.order
	if !ok {
		if err := it.g.Wait(); err != nil {
			it.err = err
			return nil, err
		}
		it.err = io.EOF
		return nil, io.EOF
	}
	r := <-out
	if r.err != nil {
		it.err = r.err
		return nil, r.err
	}
	return r.batch, nil
}

// Close stops the pipeline and closes the source iterator.
func (it *mapIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.cancel()
	for range it.order {
	}
	_ = it.g.Wait()
	return it.src.Close()
}
