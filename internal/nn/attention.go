package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// attentionStage models long-range spatial dependencies: every position
// attends over all N = H*W positions through reduced-channel query/key/value
// projections. The gain starts at zero, so the block is the identity until
// training moves it. The row-stochastic attention map of each application is
// recorded on the instance for diagnostics.
type attentionStage struct {
	name           string
	channels, mid  int
	wq, bq, wk, bk *param
	wv, bv, wo, bo *param
	gain           *param // (1,1,1,1), zero-initialized
}

// newAttentionStage reduces channels by factor k for the q/k/v projections.
func newAttentionStage(rng *rand.Rand, name string, channels, k int) *attentionStage {
	mid := channels / k
	conv1 := func(suffix string, in, out int) (*param, *param) {
		w := newGaussianParam(rng, name+"."+suffix+".w", convInitStd, out, in, 1, 1)
		b := newConstParam(name+"."+suffix+".b", 0, 1, out, 1, 1)
		return w, b
	}
	s := &attentionStage{name: name, channels: channels, mid: mid}
	s.wq, s.bq = conv1("query", channels, mid)
	s.wk, s.bk = conv1("key", channels, mid)
	s.wv, s.bv = conv1("value", channels, mid)
	s.wo, s.bo = conv1("out", mid, channels)
	s.gain = newConstParam(name+".gain", 0, 1, 1, 1, 1)
	return s
}

func (s *attentionStage) stageParams() []*param {
	return []*param{s.wq, s.bq, s.wk, s.bk, s.wv, s.bv, s.wo, s.bo, s.gain}
}
func (s *attentionStage) stageEsts() []namedEst { return nil }

func (s *attentionStage) bind(in *Instance) (bound, error) {
	b := &boundAttention{stage: s, inst: in}
	b.wq, b.bq = in.bindParam(s.wq, true), in.bindParam(s.bq, true)
	b.wk, b.bk = in.bindParam(s.wk, true), in.bindParam(s.bk, true)
	b.wv, b.bv = in.bindParam(s.wv, true), in.bindParam(s.bv, true)
	b.wo, b.bo = in.bindParam(s.wo, true), in.bindParam(s.bo, true)
	b.gain = in.bindParam(s.gain, true)
	return b, nil
}

type boundAttention struct {
	stage          *attentionStage
	inst           *Instance
	wq, bq, wk, bk *gorgonia.Node
	wv, bv, wo, bo *gorgonia.Node
	gain           *gorgonia.Node
}

func (b *boundAttention) project(x, w, bias *gorgonia.Node) (*gorgonia.Node, error) {
	y, err := gorgonia.Conv2d(x, w, tensor.Shape{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(y, bias, nil, []byte{0, 2, 3})
}

func (b *boundAttention) apply(x *gorgonia.Node) (*gorgonia.Node, error) {
	s := b.stage
	shp := x.Shape()
	if len(shp) != 4 || shp[1] != s.channels {
		return nil, errors.Errorf("%s: want (N,%d,H,W) input, got %v", s.name, s.channels, shp)
	}
	n, h, w := shp[0], shp[2], shp[3]
	positions := h * w

	q, err := b.project(x, b.wq, b.bq)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: query", s.name)
	}
	k, err := b.project(x, b.wk, b.bk)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: key", s.name)
	}
	v, err := b.project(x, b.wv, b.bv)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: value", s.name)
	}

	q3, err := gorgonia.Reshape(q, tensor.Shape{n, s.mid, positions})
	if err != nil {
		return nil, err
	}
	k3, err := gorgonia.Reshape(k, tensor.Shape{n, s.mid, positions})
	if err != nil {
		return nil, err
	}
	v3, err := gorgonia.Reshape(v, tensor.Shape{n, s.mid, positions})
	if err != nil {
		return nil, err
	}

	qT, err := gorgonia.Transpose(q3, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	sim, err := gorgonia.BatchedMatMul(qT, k3) // (N, positions, positions)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: similarity", s.name)
	}
	attn, err := gorgonia.SoftMax(sim, 2)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: softmax", s.name)
	}
	b.inst.attn = append(b.inst.attn, attn)

	attnT, err := gorgonia.Transpose(attn, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	agg, err := gorgonia.BatchedMatMul(v3, attnT) // (N, mid, positions)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: aggregate", s.name)
	}
	agg4, err := gorgonia.Reshape(agg, tensor.Shape{n, s.mid, h, w})
	if err != nil {
		return nil, err
	}
	out, err := b.project(agg4, b.wo, b.bo)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: output projection", s.name)
	}
	gated, err := gorgonia.BroadcastHadamardProd(out, b.gain, nil, []byte{0, 1, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: gain", s.name)
	}
	return gorgonia.Add(gated, x)
}
