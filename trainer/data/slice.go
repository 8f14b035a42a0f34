// Package data provides reference DataLoader implementations: an in-memory
// slice loader, a generator-backed loader of unknown length and an ordered
// parallel map over another loader.
package data

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/inference-sim/trainloop/trainer"
)

// Option configures a SliceLoader.
type Option func(*options)

type options struct {
	shuffle  bool
	seed     trainer.RunSeed
	dropLast bool
}

// WithShuffle reorders items every epoch from a stream derived from seed
// and the epoch number, so the order is reproducible across runs.
func WithShuffle(seed trainer.RunSeed) Option {
	return func(o *options) {
		o.shuffle = true
		o.seed = seed
	}
}

// WithDropLast drops the final batch when it is smaller than the batch size.
func WithDropLast() Option {
	return func(o *options) { o.dropLast = true }
}

// SliceLoader yields []T batches of an in-memory slice.
type SliceLoader[T any] struct {
	items     []T
	batchSize int
	opts      options
}

// NewSliceLoader batches items into slices of batchSize.
func NewSliceLoader[T any](items []T, batchSize int, opts ...Option) (*SliceLoader[T], error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}
	l := &SliceLoader[T]{items: items, batchSize: batchSize}
	for _, opt := range opts {
		opt(&l.opts)
	}
	return l, nil
}

// Len returns the number of batches per epoch.
func (l *SliceLoader[T]) Len() int {
	n := len(l.items) / l.batchSize
	if !l.opts.dropLast && len(l.items)%l.batchSize != 0 {
		n++
	}
	return n
}

// Iter starts a pass over the items.
func (l *SliceLoader[T]) Iter(ctx context.Context, epoch int) (trainer.BatchIterator, error) {
	var order []int
	if l.opts.shuffle {
		seed := trainer.DeriveSeed(l.opts.seed, trainer.SubsystemEpoch(trainer.SubsystemShuffle, epoch))
		order = rand.New(rand.NewSource(seed)).Perm(len(l.items))
	}
	return &sliceIterator[T]{ctx: ctx, l: l, order: order, batches: l.Len()}, nil
}

type sliceIterator[T any] struct {
	ctx     context.Context
	l       *SliceLoader[T]
	order   []int
	batches int
	next    int
}

func (it *sliceIterator[T]) Next() (trainer.Batch, error) {
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}
	if it.next >= it.batches {
		return nil, io.EOF
	}
	start := it.next * it.l.batchSize
	end := min(start+it.l.batchSize, len(it.l.items))
	it.next++
	batch := make([]T, 0, end-start)
	for i := start; i < end; i++ {
		idx := i
		if it.order != nil {
			idx = it.order[i]
		}
		batch = append(batch, it.l.items[idx])
	}
	return batch, nil
}

func (it *sliceIterator[T]) Close() error { return nil }
