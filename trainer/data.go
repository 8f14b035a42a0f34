package trainer

import (
	"context"
	"errors"
	"io"
	"reflect"
)

// BatchIterator yields batches until it returns io.EOF.
type BatchIterator interface {
	Next() (Batch, error)
	Close() error
}

// DataLoader is a re-iterable source of batches.
type DataLoader interface {
	// Len returns the number of batches per epoch, or -1 when unknown.
	Len() int
	// Iter starts a pass over the data. epoch lets loaders reshuffle
	// deterministically.
	Iter(ctx context.Context, epoch int) (BatchIterator, error)
}

// DataModule groups the loaders of every stage. A nil loader means the
// stage has no data.
type DataModule interface {
	TrainDataLoader() DataLoader
	ValDataLoader() DataLoader
	TestDataLoader() DataLoader
	PredictDataLoader() DataLoader
}

// DataSetup is implemented by data modules that prepare or release data
// around a run. Setup and Teardown receive the entry point being run.
type DataSetup interface {
	PrepareData(ctx context.Context) error
	Setup(ctx context.Context, fn Fn) error
	Teardown(ctx context.Context, fn Fn) error
}

// Loaders is a DataModule backed by plain fields.
type Loaders struct {
	Train   DataLoader
	Val     DataLoader
	Test    DataLoader
	Predict DataLoader
}

func (l Loaders) TrainDataLoader() DataLoader   { return l.Train }
func (l Loaders) ValDataLoader() DataLoader     { return l.Val }
func (l Loaders) TestDataLoader() DataLoader    { return l.Test }
func (l Loaders) PredictDataLoader() DataLoader { return l.Predict }

// fetcher wraps a BatchIterator with one batch of lookahead so the loop
// knows whether the current batch is the last one.
type fetcher struct {
	it      BatchIterator
	limit   int // -1 unbounded
	fetched int
	pending Batch
	has     bool
	err     error
}

func newFetcher(it BatchIterator, limit int) *fetcher {
	f := &fetcher{it: it, limit: limit}
	f.advance()
	return f
}

func (f *fetcher) advance() {
	f.has = false
	f.pending = nil
	if f.limit >= 0 && f.fetched >= f.limit {
		return
	}
	b, err := f.it.Next()
	if errors.Is(err, io.EOF) {
		return
	}
	if err != nil {
		f.err = err
		return
	}
	f.pending = b
	f.has = true
	f.fetched++
}

// next returns the next batch and whether it is the last one. ok is false
// once the data (or the limit) is exhausted.
func (f *fetcher) next() (batch Batch, isLast bool, ok bool, err error) {
	if !f.has {
		return nil, false, false, f.err
	}
	batch = f.pending
	f.advance()
	return batch, !f.has && f.err == nil, true, nil
}

// BatchSizer lets a batch report its size for weighted epoch means.
type BatchSizer interface {
	BatchSize() int
}

// inferBatchSize returns the size used to weight a logged value.
// Order: BatchSizer, Len() int, slice/array/map length, then 1.
func inferBatchSize(b Batch) int {
	switch v := b.(type) {
	case nil:
		return 1
	case BatchSizer:
		return max(v.BatchSize(), 1)
	case interface{ Len() int }:
		return max(v.Len(), 1)
	}
	rv := reflect.ValueOf(b)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return max(rv.Len(), 1)
	}
	return 1
}
