package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// sigmaFloor is the smallest rescaling factor ever used in a division. It
// matches the eps of the normalize calls in the reference parametrization.
const sigmaFloor = 1e-12

// SpectralNorm maintains the running singular-vector estimate (u, v) for one
// weight matrix. Weights with more than two axes are treated as
// (out, flattened-in) matrices. The estimate evolves only through Step's
// power-iteration recurrence; it is never touched by the optimizer.
type SpectralNorm struct {
	rows, cols int
	u, v       *tensor.Dense
	sigma      float64
	clamps     int
}

func newSpectralNorm(rng *rand.Rand, rows, cols int) *SpectralNorm {
	s := &SpectralNorm{
		rows: rows,
		cols: cols,
		u:    tensor.New(tensor.WithShape(rows), tensor.WithBacking(randUnit(rng, rows))),
		v:    tensor.New(tensor.WithShape(cols), tensor.WithBacking(randUnit(rng, cols))),
	}
	return s
}

func randUnit(rng *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	var sq float64
	for i := range out {
		out[i] = rng.NormFloat64()
		sq += out[i] * out[i]
	}
	if sq > 0 {
		inv := 1.0 / math.Sqrt(sq)
		for i := range out {
			out[i] *= inv
		}
	} else {
		out[0] = 1
	}
	return out
}

// Step performs one power iteration against w:
//
//	v <- normalize(W^T u); u <- normalize(W v); sigma <- u^T W v
//
// and returns sigma clamped to the floor. The u and v backings are mutated in
// place, so graph nodes bound to them observe the new estimate on their next
// run without re-binding.
func (s *SpectralNorm) Step(w *tensor.Dense) (float64, error) {
	data, ok := w.Data().([]float64)
	if !ok {
		return 0, errors.Errorf("spectral: weight backing is %T, want []float64", w.Data())
	}
	if len(data) != s.rows*s.cols {
		return 0, errors.Errorf("spectral: weight has %d elements, estimate sized for %dx%d", len(data), s.rows, s.cols)
	}
	wd := mat.NewDense(s.rows, s.cols, data)
	ub := s.u.Data().([]float64)
	vb := s.v.Data().([]float64)

	var wtU mat.VecDense
	wtU.MulVec(wd.T(), mat.NewVecDense(s.rows, ub))
	vNorm := mat.Norm(&wtU, 2)
	if vNorm < sigmaFloor {
		s.clamps++
		vNorm = sigmaFloor
	}
	for i := range vb {
		vb[i] = wtU.AtVec(i) / vNorm
	}

	var wV mat.VecDense
	wV.MulVec(wd, mat.NewVecDense(s.cols, vb))
	sigma := mat.Norm(&wV, 2)
	if sigma < sigmaFloor {
		s.clamps++
		sigma = sigmaFloor
	}
	for i := range ub {
		ub[i] = wV.AtVec(i) / sigma
	}

	s.sigma = sigma
	return sigma, nil
}

// Sigma returns the most recent clamped estimate.
func (s *SpectralNorm) Sigma() float64 { return s.sigma }

// Clamps reports how many times the floor was applied.
func (s *SpectralNorm) Clamps() int { return s.clamps }

// snBinding ties an estimator to its weight inside one graph instance.
type snBinding struct {
	est *SpectralNorm
	p   *param
}

// normalizeNode builds the symbolic W/sigma used as the layer's effective
// weight. u and v enter the graph as plain bound values, so gradients flow
// through the sigma division into W but never into the estimate itself. The
// floor is applied as max(sigma, eps) = (sigma + eps + |sigma - eps|)/2 to
// keep the expression differentiable.
func normalizeNode(in *Instance, w *gorgonia.Node, b *snBinding, scope string) (*gorgonia.Node, error) {
	g := in.graph
	uNode := gorgonia.NewTensor(g, tensor.Float64, 1,
		gorgonia.WithShape(b.est.rows), gorgonia.WithName(scope+".u"), gorgonia.WithValue(b.est.u))
	vNode := gorgonia.NewTensor(g, tensor.Float64, 1,
		gorgonia.WithShape(b.est.cols), gorgonia.WithName(scope+".v"), gorgonia.WithValue(b.est.v))

	flat := w
	if w.Dims() != 2 {
		var err error
		if flat, err = gorgonia.Reshape(w, tensor.Shape{b.est.rows, b.est.cols}); err != nil {
			return nil, errors.Wrapf(err, "%s: flatten weight", scope)
		}
	}
	wv, err := gorgonia.Mul(flat, vNode)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: W v", scope)
	}
	sigma, err := gorgonia.Mul(uNode, wv)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: u' W v", scope)
	}
	shifted, err := gorgonia.Add(sigma, gorgonia.NewConstant(sigmaFloor))
	if err != nil {
		return nil, err
	}
	diff, err := gorgonia.Sub(sigma, gorgonia.NewConstant(sigmaFloor))
	if err != nil {
		return nil, err
	}
	absDiff, err := gorgonia.Abs(diff)
	if err != nil {
		return nil, err
	}
	summed, err := gorgonia.Add(shifted, absDiff)
	if err != nil {
		return nil, err
	}
	floored, err := gorgonia.Mul(summed, gorgonia.NewConstant(0.5))
	if err != nil {
		return nil, err
	}
	scaled, err := gorgonia.Div(w, floored)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: W / sigma", scope)
	}
	in.spectral = append(in.spectral, b)
	return scaled, nil
}
