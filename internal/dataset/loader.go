package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"roadseg/internal/tensor"
)

// Source is anything that can decode sample i. Dataset implements it.
type Source interface {
	Len() int
	Get(i int, rng *rand.Rand) (Pair, error)
}

// Batch is a stack of decoded samples in loader order.
type Batch struct {
	Indices []int
	Keys    []string
	Images  *tensor.Tensor // [N,3,H,W]
	Masks   *tensor.Tensor // [N,1,H,W]
	// NonBinaryMasks counts samples whose source mask had gray levels.
	NonBinaryMasks int
}

// Size is the number of samples in the batch.
func (b Batch) Size() int { return len(b.Indices) }

// LoaderOptions configures one pass over a set of indices.
type LoaderOptions struct {
	Indices    []int
	BatchSize  int
	Shuffle    bool
	Seed       int64
	NumWorkers int
}

type loadJob struct {
	pos   int
	index int
}

type loadResult struct {
	pos  int
	pair Pair
	err  error
}

// StartLoader decodes opts.Indices on NumWorkers goroutines and emits them
// as batches in a deterministic order: the given order, or a permutation of
// it seeded by opts.Seed when Shuffle is set. The final batch may be short.
// Both channels close when the pass ends; at most one error is sent.
func StartLoader(parent context.Context, src Source, opts LoaderOptions) (<-chan Batch, <-chan error, error) {
	if len(opts.Indices) == 0 {
		return nil, nil, errors.New("loader: no indices")
	}
	if opts.BatchSize <= 0 {
		return nil, nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	for _, idx := range opts.Indices {
		if idx < 0 || idx >= src.Len() {
			return nil, nil, fmt.Errorf("loader: index %d out of range [0,%d)", idx, src.Len())
		}
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	order := append([]int(nil), opts.Indices...)
	if opts.Shuffle {
		rng := rand.New(rand.NewSource(opts.Seed))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan loadJob, opts.NumWorkers)
	results := make(chan loadResult, opts.NumWorkers*2)
	out := make(chan Batch, 2)
	errCh := make(chan error, 1)

	go func() {
		defer close(jobs)
		for pos, idx := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- loadJob{pos: pos, index: idx}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loadWorker(ctx, src, opts.Seed, jobs, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := aggregate(ctx, results, order, opts.BatchSize, out); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

// sampleSeed gives every (pass seed, index) its own augmentation stream so
// results do not depend on worker scheduling.
func sampleSeed(seed int64, index int) int64 {
	return seed*1_000_003 + int64(index)
}

func loadWorker(ctx context.Context, src Source, seed int64, jobs <-chan loadJob, results chan<- loadResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			rng := rand.New(rand.NewSource(sampleSeed(seed, job.index)))
			pair, err := src.Get(job.index, rng)
			if err != nil {
				err = fmt.Errorf("load sample %d: %w", job.index, err)
			}
			select {
			case <-ctx.Done():
				return
			case results <- loadResult{pos: job.pos, pair: pair, err: err}:
			}
		}
	}
}

func aggregate(ctx context.Context, results <-chan loadResult, order []int, batchSize int, out chan<- Batch) error {
	pending := make(map[int]Pair)
	next := 0
	var buf []Pair
	for next < len(order) {
		pair, ok := pending[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case res, open := <-results:
				if !open {
					return fmt.Errorf("loader: workers stopped after %d of %d samples", next, len(order))
				}
				if res.err != nil {
					return res.err
				}
				pending[res.pos] = res.pair
			}
			continue
		}
		delete(pending, next)
		buf = append(buf, pair)
		next++
		if len(buf) == batchSize || next == len(order) {
			batch, err := stackBatch(buf, order[next-len(buf):next])
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- batch:
			}
			buf = nil
		}
	}
	return nil
}

func stackBatch(pairs []Pair, indices []int) (Batch, error) {
	images := make([]*tensor.Tensor, len(pairs))
	masks := make([]*tensor.Tensor, len(pairs))
	b := Batch{Indices: append([]int(nil), indices...), Keys: make([]string, len(pairs))}
	for i, p := range pairs {
		images[i] = p.Image
		masks[i] = p.Mask
		b.Keys[i] = p.Key
		if p.MaskNonBinary {
			b.NonBinaryMasks++
		}
	}
	var err error
	if b.Images, err = tensor.Stack(images); err != nil {
		return Batch{}, fmt.Errorf("stack images: %w", err)
	}
	if b.Masks, err = tensor.Stack(masks); err != nil {
		return Batch{}, fmt.Errorf("stack masks: %w", err)
	}
	return b, nil
}

// Collect runs a loader pass to completion and hands each batch to fn in
// order. It returns the first loader, fn or context error.
func Collect(ctx context.Context, src Source, opts LoaderOptions, fn func(Batch) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs, err := StartLoader(ctx, src, opts)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case b, ok := <-batches:
			if !ok {
				if errs != nil {
					if err, ok := <-errs; ok && err != nil {
						return err
					}
				}
				return ctx.Err()
			}
			if err := fn(b); err != nil {
				return err
			}
		}
	}
}
