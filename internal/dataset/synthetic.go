package dataset

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// SyntheticSource emits seeded Gaussian-mixture vectors for runs without a
// dataset on disk. With Classes > 0 each sample is drawn around a
// per-class mean and carries that class as its label.
type SyntheticSource struct {
	Dim       int
	Classes   int
	BatchSize int
	Batches   int
	Seed      int64
}

const (
	mixtureMeanSpread = 0.5
	mixtureNoiseStd   = 0.25
)

// Stream produces one epoch of Batches batches.
func (s *SyntheticSource) Stream(ctx context.Context) (<-chan Batch, <-chan error, error) {
	if s.Dim <= 0 {
		return nil, nil, errors.New("synthetic source: dim must be > 0")
	}
	if s.BatchSize <= 0 {
		return nil, nil, errors.New("synthetic source: batch size must be > 0")
	}
	batches := s.Batches
	if batches <= 0 {
		batches = 100
	}

	rng := rand.New(rand.NewSource(s.Seed))
	var means [][]float64
	if s.Classes > 0 {
		means = make([][]float64, s.Classes)
		for c := range means {
			m := make([]float64, s.Dim)
			for i := range m {
				m[i] = (rng.Float64()*2 - 1) * mixtureMeanSpread
			}
			means[c] = m
		}
	}

	out := make(chan Batch, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for b := 0; b < batches; b++ {
			backing := make([]float64, s.BatchSize*s.Dim)
			var labels []int
			if s.Classes > 0 {
				labels = make([]int, s.BatchSize)
			}
			for i := 0; i < s.BatchSize; i++ {
				row := backing[i*s.Dim : (i+1)*s.Dim]
				if s.Classes > 0 {
					c := rng.Intn(s.Classes)
					labels[i] = c
					for j := range row {
						row[j] = means[c][j] + rng.NormFloat64()*mixtureNoiseStd
					}
					continue
				}
				for j := range row {
					row[j] = rng.NormFloat64() * mixtureNoiseStd
				}
			}
			batch := Batch{
				X:      tensor.New(tensor.WithShape(s.BatchSize, s.Dim), tensor.WithBacking(backing)),
				Labels: labels,
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- batch:
			}
		}
	}()
	return out, errCh, nil
}
