package data

import (
	"context"
	"io"
	"iter"

	"github.com/inference-sim/trainloop/trainer"
)

// SeqLoader is a DataLoader of unknown length backed by a generator. The
// generator is called once per epoch.
type SeqLoader struct {
	gen func(ctx context.Context, epoch int) iter.Seq[trainer.Batch]
}

// NewSeqLoader wraps gen.
func NewSeqLoader(gen func(ctx context.Context, epoch int) iter.Seq[trainer.Batch]) *SeqLoader {
	return &SeqLoader{gen: gen}
}

// Len is always -1.
func (l *SeqLoader) Len() int { return -1 }

// Iter pulls from a fresh generator.
func (l *SeqLoader) Iter(ctx context.Context, epoch int) (trainer.BatchIterator, error) {
	next, stop := iter.Pull(l.gen(ctx, epoch))
	return &seqIterator{ctx: ctx, next: next, stop: stop}, nil
}

type seqIterator struct {
	ctx  context.Context
	next func() (trainer.Batch, bool)
	stop func()
}

func (it *seqIterator) Next() (trainer.Batch, error) {
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := it.next()
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (it *seqIterator) Close() error {
	it.stop()
	return nil
}
