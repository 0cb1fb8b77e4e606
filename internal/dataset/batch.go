package dataset

import (
	"gorgonia.org/tensor"
)

// Batch is one fixed-size training batch. X is (N, data_dim) for vector
// data or (N, C, H, W) for images. Labels is nil for unlabeled sources.
type Batch struct {
	X      *tensor.Dense
	Labels []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	if b.X == nil {
		return 0
	}
	return b.X.Shape()[0]
}
