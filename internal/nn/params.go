package nn

import (
	"math/rand"

	"gorgonia.org/tensor"
)

// convInitStd is the shared init scale for projection and convolution
// weights.
const convInitStd = 0.02

// param is a learnable parameter value. The backing tensor is owned by the
// Network and shared by every graph instance bound from it, so an
// optimizer step through one instance is visible to all of them.
type param struct {
	name string
	val  *tensor.Dense
}

func (p *param) shape() []int { return []int(p.val.Shape()) }

// newGaussianParam initializes projection/convolution weights from
// N(0, std^2). Initialization is keyed by the constructor called at the
// stage's build site, never by inspecting the stage afterwards.
func newGaussianParam(rng *rand.Rand, name string, std float64, shape ...int) *param {
	n := 1
	for _, s := range shape {
		n *= s
	}
	backing := make([]float64, n)
	for i := range backing {
		backing[i] = rng.NormFloat64() * std
	}
	return &param{
		name: name,
		val:  tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
	}
}

// newConstParam initializes normalization scales (1), shifts (0) and the
// attention gain (0).
func newConstParam(name string, c float64, shape ...int) *param {
	n := 1
	for _, s := range shape {
		n *= s
	}
	backing := make([]float64, n)
	for i := range backing {
		backing[i] = c
	}
	return &param{
		name: name,
		val:  tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
	}
}
