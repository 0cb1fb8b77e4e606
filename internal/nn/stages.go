package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const bnEps = 1e-5

// stage is one step of a network pipeline. A stage owns its parameter
// values; bind instantiates nodes into a graph, and the returned bound stage
// transforms feature maps. Attention blocks, projections and normalizations
// are all just stage kinds behind this one capability.
type stage interface {
	bind(in *Instance) (bound, error)
	stageParams() []*param
	stageEsts() []namedEst
}

type bound interface {
	apply(x *gorgonia.Node) (*gorgonia.Node, error)
}

type namedEst struct {
	name string
	est  *SpectralNorm
}

// ---- dense ----

type denseStage struct {
	name string
	w, b *param
	sn   *SpectralNorm
}

func (s *denseStage) stageParams() []*param { return []*param{s.w, s.b} }
func (s *denseStage) stageEsts() []namedEst {
	if s.sn == nil {
		return nil
	}
	return []namedEst{{s.w.name, s.sn}}
}

func (s *denseStage) bind(in *Instance) (bound, error) {
	w := in.bindParam(s.w, true)
	b := in.bindParam(s.b, true)
	if s.sn != nil {
		var err error
		if w, err = normalizeNode(in, w, &snBinding{est: s.sn, p: s.w}, s.w.name); err != nil {
			return nil, err
		}
	}
	return &boundDense{name: s.name, w: w, b: b}, nil
}

type boundDense struct {
	name string
	w, b *gorgonia.Node
}

func (b *boundDense) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	y, err := gorgonia.Mul(x, b.w)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: matmul", b.name)
	}
	y, err = gorgonia.BroadcastAdd(y, b.b, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: bias", b.name)
	}
	return y, nil
}

// ---- convolution ----

type convStage struct {
	name        string
	w, b        *param // w: (O, C, k, k); b: (1, O, 1, 1)
	kernel      int
	stride, pad int
	sn          *SpectralNorm
}

func (s *convStage) stageParams() []*param { return []*param{s.w, s.b} }
func (s *convStage) stageEsts() []namedEst {
	if s.sn == nil {
		return nil
	}
	return []namedEst{{s.w.name, s.sn}}
}

func (s *convStage) bind(in *Instance) (bound, error) {
	w := in.bindParam(s.w, true)
	b := in.bindParam(s.b, true)
	if s.sn != nil {
		var err error
		if w, err = normalizeNode(in, w, &snBinding{est: s.sn, p: s.w}, s.w.name); err != nil {
			return nil, err
		}
	}
	return &boundConv{stage: s, w: w, b: b}, nil
}

type boundConv struct {
	stage *convStage
	w, b  *gorgonia.Node
}

func (b *boundConv) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	s := b.stage
	y, err := gorgonia.Conv2d(x, b.w,
		tensor.Shape{s.kernel, s.kernel},
		[]int{s.pad, s.pad}, []int{s.stride, s.stride}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: conv2d", s.name)
	}
	y, err = gorgonia.BroadcastAdd(y, b.b, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: bias", s.name)
	}
	return y, nil
}

// ---- upsample ----

type upsampleStage struct {
	name  string
	scale int
}

func (s *upsampleStage) stageParams() []*param { return nil }
func (s *upsampleStage) stageEsts() []namedEst { return nil }

func (s *upsampleStage) bind(in *Instance) (bound, error) { return s, nil }

func (s *upsampleStage) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	y, err := gorgonia.Upsample2D(x, s.scale)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: upsample", s.name)
	}
	return y, nil
}

// ---- batch normalization ----

// batchNormStage normalizes with statistics of the current batch and applies
// a learnable scale/shift. Built from elementary graph ops so the same code
// serves 2D feature vectors and 4D feature maps.
type batchNormStage struct {
	name        string
	scale, bias *param
	dims        int // 2 or 4
}

func (s *batchNormStage) stageParams() []*param { return []*param{s.scale, s.bias} }
func (s *batchNormStage) stageEsts() []namedEst { return nil }

func (s *batchNormStage) bind(in *Instance) (bound, error) {
	return &boundBatchNorm{
		stage: s,
		scale: in.bindParam(s.scale, true),
		bias:  in.bindParam(s.bias, true),
	}, nil
}

type boundBatchNorm struct {
	stage       *batchNormStage
	scale, bias *gorgonia.Node
}

func (b *boundBatchNorm) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	s := b.stage
	mean, err := reduceMean(x, s.dims)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: mean", s.name)
	}
	centered, err := gorgonia.BroadcastSub(x, mean, nil, s.pattern())
	if err != nil {
		return nil, errors.Wrapf(err, "%s: center", s.name)
	}
	sq, err := gorgonia.Square(centered)
	if err != nil {
		return nil, err
	}
	variance, err := reduceMean(sq, s.dims)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: variance", s.name)
	}
	shifted, err := gorgonia.Add(variance, gorgonia.NewConstant(bnEps))
	if err != nil {
		return nil, err
	}
	stddev, err := gorgonia.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	norm, err := gorgonia.BroadcastHadamardDiv(centered, stddev, nil, s.pattern())
	if err != nil {
		return nil, errors.Wrapf(err, "%s: normalize", s.name)
	}
	scaled, err := gorgonia.BroadcastHadamardProd(norm, b.scale, nil, s.pattern())
	if err != nil {
		return nil, errors.Wrapf(err, "%s: scale", s.name)
	}
	out, err := gorgonia.BroadcastAdd(scaled, b.bias, nil, s.pattern())
	if err != nil {
		return nil, errors.Wrapf(err, "%s: shift", s.name)
	}
	return out, nil
}

func (s *batchNormStage) pattern() []byte {
	if s.dims == 4 {
		return []byte{0, 2, 3}
	}
	return []byte{0}
}

// reduceMean averages over every axis except channel and reshapes the result
// for broadcasting. Reductions are chained highest axis first so indices stay
// valid.
func reduceMean(x *gorgonia.Node, dims int) (*gorgonia.Node, error) {
	var err error
	m := x
	if dims == 4 {
		for _, axis := range []int{3, 2, 0} {
			if m, err = gorgonia.Mean(m, axis); err != nil {
				return nil, err
			}
		}
		c := m.Shape()[0]
		return gorgonia.Reshape(m, tensor.Shape{1, c, 1, 1})
	}
	if m, err = gorgonia.Mean(m, 0); err != nil {
		return nil, err
	}
	c := m.Shape()[0]
	return gorgonia.Reshape(m, tensor.Shape{1, c})
}

// ---- activations ----

type actKind int

const (
	actReLU actKind = iota
	actLeakyReLU
	actTanh
	actSigmoid
)

type activationStage struct {
	name string
	kind actKind
}

func (s *activationStage) stageParams() []*param            { return nil }
func (s *activationStage) stageEsts() []namedEst            { return nil }
func (s *activationStage) bind(in *Instance) (bound, error) { return s, nil }

func (s *activationStage) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	switch s.kind {
	case actReLU:
		return gorgonia.Rectify(x)
	case actLeakyReLU:
		return leakyRelu(x, 0.2)
	case actTanh:
		return gorgonia.Tanh(x)
	case actSigmoid:
		return gorgonia.Sigmoid(x)
	}
	return nil, errors.Errorf("%s: unknown activation kind %d", s.name, s.kind)
}

// leakyRelu(x) = rectify(x) - alpha*rectify(-x)
func leakyRelu(x *gorgonia.Node, alpha float64) (*gorgonia.Node, error) {
	pos, err := gorgonia.Rectify(x)
	if err != nil {
		return nil, err
	}
	negIn, err := gorgonia.Neg(x)
	if err != nil {
		return nil, err
	}
	neg, err := gorgonia.Rectify(negIn)
	if err != nil {
		return nil, err
	}
	scaled, err := gorgonia.Mul(neg, gorgonia.NewConstant(alpha))
	if err != nil {
		return nil, err
	}
	return gorgonia.Sub(pos, scaled)
}

// ---- shape plumbing ----

type reshapeStage struct {
	name  string
	shape []int // per-sample target shape
}

func (s *reshapeStage) stageParams() []*param            { return nil }
func (s *reshapeStage) stageEsts() []namedEst            { return nil }
func (s *reshapeStage) bind(in *Instance) (bound, error) { return s, nil }

func (s *reshapeStage) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	batch := x.Shape()[0]
	target := append(tensor.Shape{batch}, s.shape...)
	y, err := gorgonia.Reshape(x, target)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reshape to %v", s.name, target)
	}
	return y, nil
}

type flattenStage struct {
	name string
}

func (s *flattenStage) stageParams() []*param            { return nil }
func (s *flattenStage) stageEsts() []namedEst            { return nil }
func (s *flattenStage) bind(in *Instance) (bound, error) { return s, nil }

func (s *flattenStage) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	batch := x.Shape()[0]
	y, err := gorgonia.Reshape(x, tensor.Shape{batch, x.Shape().TotalSize() / batch})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: flatten", s.name)
	}
	return y, nil
}
