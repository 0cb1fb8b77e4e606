package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ShardSource turns a set of shard TARs into a stream of fixed-size image
// batches. Each Stream call is one epoch: shards are read in order, images
// are decoded by a worker pool, and a ragged final batch is dropped.
type ShardSource struct {
	Shards     []string
	BatchSize  int
	Channels   int
	Labeled    bool
	NumWorkers int
	PendingCap int
}

type decoded struct {
	x     []float64
	label int
}

// Stream launches the epoch pipeline. The batch channel closes when the
// epoch is exhausted; a pipeline failure arrives on the error channel and
// ends the epoch early.
func (s *ShardSource) Stream(parent context.Context) (<-chan Batch, <-chan error, error) {
	if len(s.Shards) == 0 {
		return nil, nil, errors.New("shard source: no shards")
	}
	if s.BatchSize <= 0 {
		return nil, nil, errors.New("shard source: batch size must be > 0")
	}
	workers := s.NumWorkers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(parent)
	raw := make(chan Sample, workers)
	dec := make(chan decoded, workers)
	out := make(chan Batch, 1)
	errCh := make(chan error, 1)
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	go func() {
		defer close(raw)
		for _, shard := range s.Shards {
			samples, shardErr := StreamShard(ctx, shard, s.Labeled, s.PendingCap)
			for sample := range samples {
				select {
				case <-ctx.Done():
					return
				case raw <- sample:
				}
			}
			if err := <-shardErr; err != nil {
				if ctx.Err() == nil {
					fail(err)
				}
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sample := range raw {
				x, err := DecodeImage(sample.Image, s.Channels)
				if err != nil {
					// Skip undecodable records, the shard writer is not
					// guaranteed to have validated them.
					continue
				}
				select {
				case <-ctx.Done():
					return
				case dec <- decoded{x: x, label: sample.Label}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(dec)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)

		sampleLen := s.Channels * ImageSize * ImageSize
		backing := make([]float64, 0, s.BatchSize*sampleLen)
		labels := make([]int, 0, s.BatchSize)
		n := 0
		for d := range dec {
			backing = append(backing, d.x...)
			labels = append(labels, d.label)
			n++
			if n < s.BatchSize {
				continue
			}
			batch := Batch{X: tensor.New(
				tensor.WithShape(s.BatchSize, s.Channels, ImageSize, ImageSize),
				tensor.WithBacking(backing))}
			if s.Labeled {
				batch.Labels = labels
			}
			select {
			case <-ctx.Done():
				return
			case out <- batch:
			}
			backing = make([]float64, 0, s.BatchSize*sampleLen)
			labels = make([]int, 0, s.BatchSize)
			n = 0
		}
	}()

	return out, errCh, nil
}
