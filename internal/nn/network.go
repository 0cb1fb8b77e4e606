package nn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Network is a fixed ordered pipeline of stages plus, for conditional
// discriminators, a projection head. The Network owns all parameter backings;
// Instantiate binds them into a graph. Binding the same network into several
// graphs shares the backings, so there is exactly one set of weights no
// matter how many graphs score with them.
type Network struct {
	Name    string
	InShape []int // per-sample input shape
	Classes int   // 0 when unconditional

	concatLabel bool
	stages      []stage
	head        *ProjectionHead
}

// Instance is one graph binding of a network.
type Instance struct {
	net        *Network
	graph      *gorgonia.ExprGraph
	bound      []bound
	headB      *boundProjection
	learnables gorgonia.Nodes
	spectral   []*snBinding
	attn       []*gorgonia.Node
}

// Instantiate binds every stage of the network into g.
func (n *Network) Instantiate(g *gorgonia.ExprGraph) (*Instance, error) {
	in := &Instance{net: n, graph: g}
	for _, s := range n.stages {
		b, err := s.bind(in)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: bind", n.Name)
		}
		in.bound = append(in.bound, b)
	}
	if n.head != nil {
		var err error
		if in.headB, err = n.head.bind(in); err != nil {
			return nil, errors.Wrapf(err, "%s: bind head", n.Name)
		}
	}
	return in, nil
}

func (in *Instance) bindParam(p *param, learnable bool) *gorgonia.Node {
	shp := p.shape()
	n := gorgonia.NewTensor(in.graph, tensor.Float64, len(shp),
		gorgonia.WithShape(shp...), gorgonia.WithName(p.name), gorgonia.WithValue(p.val))
	if learnable {
		in.learnables = append(in.learnables, n)
	}
	return n
}

// Forward threads x through the pipeline. oneHot must be a (N, Classes)
// one-hot batch for conditional networks and nil otherwise.
func (in *Instance) Forward(x, oneHot *gorgonia.Node) (*gorgonia.Node, error) {
	n := in.net
	if n.Classes > 0 && oneHot == nil {
		return nil, errors.Errorf("%s: conditional network requires labels", n.Name)
	}
	if n.concatLabel && oneHot != nil {
		var err error
		if x, err = gorgonia.Concat(1, x, oneHot); err != nil {
			return nil, errors.Wrapf(err, "%s: concat label", n.Name)
		}
	}
	var err error
	for _, b := range in.bound {
		if x, err = b.apply(x); err != nil {
			return nil, errors.Wrapf(err, "%s: forward", n.Name)
		}
	}
	if in.headB != nil {
		return in.headB.score(x, oneHot)
	}
	return x, nil
}

// Learnables lists the nodes the owning optimizer may mutate. Spectral
// estimates are deliberately not among them.
func (in *Instance) Learnables() gorgonia.Nodes { return in.learnables }

// AttentionMaps lists the attention map nodes in application order.
func (in *Instance) AttentionMaps() []*gorgonia.Node { return in.attn }

// UpdateEstimates advances every spectral-norm estimate one power-iteration
// step against the current weights. Call once before each machine run of the
// instance's graph.
func (in *Instance) UpdateEstimates() error {
	for _, b := range in.spectral {
		if _, err := b.est.Step(b.p.val); err != nil {
			return errors.Wrap(err, b.p.name)
		}
	}
	return nil
}

// SigmaClamps totals floor-clamp events across the network's estimators.
func (n *Network) SigmaClamps() int {
	total := 0
	for _, e := range n.allEsts() {
		total += e.est.Clamps()
	}
	return total
}

func (n *Network) allParams() []*param {
	var out []*param
	for _, s := range n.stages {
		out = append(out, s.stageParams()...)
	}
	if n.head != nil {
		out = append(out, n.head.stageParams()...)
	}
	return out
}

func (n *Network) allEsts() []namedEst {
	var out []namedEst
	for _, s := range n.stages {
		out = append(out, s.stageEsts()...)
	}
	if n.head != nil {
		out = append(out, n.head.stageEsts()...)
	}
	return out
}

// OneHot encodes labels as a (batch, classes) matrix; labels outside
// [0, classes) are rejected.
func OneHot(labels []int, classes, batch int) (*tensor.Dense, error) {
	if len(labels) != batch {
		return nil, errors.Errorf("labels: got %d, want %d", len(labels), batch)
	}
	backing := make([]float64, batch*classes)
	for i, l := range labels {
		if l < 0 || l >= classes {
			return nil, errors.Errorf("label %d out of range [0,%d)", l, classes)
		}
		backing[i*classes+l] = 1
	}
	return tensor.New(tensor.WithShape(batch, classes), tensor.WithBacking(backing)), nil
}

// ---- variant builders ----

// builder accumulates stages with consistent naming.
type builder struct {
	rng    *rand.Rand
	prefix string
	stages []stage
	layer  int
}

func (b *builder) nextName() string {
	b.layer++
	return fmt.Sprintf("%s.l%d", b.prefix, b.layer)
}

func (b *builder) dense(in, out int, sn bool) {
	name := b.nextName()
	s := &denseStage{
		name: name,
		w:    newGaussianParam(b.rng, name+".w", convInitStd, in, out),
		b:    newConstParam(name+".b", 0, 1, out),
	}
	if sn {
		s.sn = newSpectralNorm(b.rng, in, out)
	}
	b.stages = append(b.stages, s)
}

func (b *builder) conv(in, out, kernel, stride, pad int, sn bool) {
	name := b.nextName()
	s := &convStage{
		name:   name,
		w:      newGaussianParam(b.rng, name+".w", convInitStd, out, in, kernel, kernel),
		b:      newConstParam(name+".b", 0, 1, out, 1, 1),
		kernel: kernel,
		stride: stride,
		pad:    pad,
	}
	if sn {
		s.sn = newSpectralNorm(b.rng, out, in*kernel*kernel)
	}
	b.stages = append(b.stages, s)
}

func (b *builder) upsample() {
	b.stages = append(b.stages, &upsampleStage{name: b.prefix + ".up", scale: 2})
}

func (b *builder) batchNorm(channels, dims int) {
	name := fmt.Sprintf("%s.bn%d", b.prefix, b.layer)
	shape := []int{1, channels}
	if dims == 4 {
		shape = []int{1, channels, 1, 1}
	}
	b.stages = append(b.stages, &batchNormStage{
		name:  name,
		scale: newConstParam(name+".scale", 1, shape...),
		bias:  newConstParam(name+".shift", 0, shape...),
		dims:  dims,
	})
}

func (b *builder) act(kind actKind) {
	b.stages = append(b.stages, &activationStage{name: b.prefix + ".act", kind: kind})
}

func (b *builder) attention(channels int) {
	name := fmt.Sprintf("%s.attn%d", b.prefix, b.layer)
	b.stages = append(b.stages, newAttentionStage(b.rng, name, channels, 2))
}

func (b *builder) reshape(shape ...int) {
	b.stages = append(b.stages, &reshapeStage{name: b.prefix + ".reshape", shape: shape})
}

func (b *builder) flatten() {
	b.stages = append(b.stages, &flattenStage{name: b.prefix + ".flatten"})
}

// NewMLPGenerator maps a latent vector to a data_dim vector in [-1,1].
// withNorm selects the wider batch-normalized stack used by the critic
// variant.
func NewMLPGenerator(rng *rand.Rand, zDim, dataDim int, withNorm bool) *Network {
	b := &builder{rng: rng, prefix: "g"}
	if withNorm {
		b.dense(zDim, 256, false)
		b.act(actLeakyReLU)
		b.dense(256, 512, false)
		b.batchNorm(512, 2)
		b.act(actLeakyReLU)
		b.dense(512, 1024, false)
		b.batchNorm(1024, 2)
		b.act(actLeakyReLU)
		b.dense(1024, dataDim, false)
	} else {
		b.dense(zDim, 256, false)
		b.act(actLeakyReLU)
		b.dense(256, 256, false)
		b.act(actLeakyReLU)
		b.dense(256, 256, false)
		b.act(actLeakyReLU)
		b.dense(256, dataDim, false)
	}
	b.act(actTanh)
	return &Network{Name: "generator", InShape: []int{zDim}, stages: b.stages}
}

// NewMLPDiscriminator scores data_dim vectors. probOut appends a sigmoid for
// the log-loss variant; otherwise scores are unconstrained.
func NewMLPDiscriminator(rng *rand.Rand, dataDim int, probOut bool) *Network {
	b := &builder{rng: rng, prefix: "d"}
	b.dense(dataDim, 256, false)
	b.act(actLeakyReLU)
	b.dense(256, 256, false)
	b.act(actLeakyReLU)
	b.dense(256, 256, false)
	b.act(actLeakyReLU)
	b.dense(256, 1, false)
	if probOut {
		b.act(actSigmoid)
	}
	return &Network{Name: "discriminator", InShape: []int{dataDim}, stages: b.stages}
}

// NewImageGenerator maps latents (optionally concatenated with a one-hot
// label) to (imgChannels, 64, 64) samples in [-1,1]. base is the channel
// count at the 4x4 root; width halves at every doubling of resolution.
// Attention blocks sit at the two highest resolutions near the output.
func NewImageGenerator(rng *rand.Rand, zDim, classes, imgChannels, base int, attention, spectral bool) *Network {
	b := &builder{rng: rng, prefix: "g"}
	b.dense(zDim+classes, base*4*4, spectral)
	b.reshape(base, 4, 4)
	b.batchNorm(base, 4)
	b.act(actReLU)

	b.upsample() // 8x8
	b.conv(base, base/2, 3, 1, 1, spectral)
	b.batchNorm(base/2, 4)
	b.act(actReLU)

	b.upsample() // 16x16
	b.conv(base/2, base/4, 3, 1, 1, spectral)
	b.batchNorm(base/4, 4)
	b.act(actReLU)
	if attention {
		b.attention(base / 4)
	}

	b.upsample() // 32x32
	b.conv(base/4, base/8, 3, 1, 1, spectral)
	b.batchNorm(base/8, 4)
	b.act(actReLU)
	if attention {
		b.attention(base / 8)
	}

	b.upsample() // 64x64
	b.conv(base/8, imgChannels, 3, 1, 1, false)
	b.act(actTanh)

	return &Network{
		Name:        "generator",
		InShape:     []int{zDim},
		Classes:     classes,
		concatLabel: classes > 0,
		stages:      b.stages,
	}
}

// NewImageDiscriminator scores (imgChannels, 64, 64) samples. All strided
// projections are spectral-normalized. Attention blocks sit at the two
// highest-resolution early layers; a projection head replaces the scalar
// output when classes > 0.
func NewImageDiscriminator(rng *rand.Rand, classes, imgChannels int, attention bool) *Network {
	b := &builder{rng: rng, prefix: "d"}
	b.conv(imgChannels, 64, 4, 2, 1, true) // 32x32
	b.act(actLeakyReLU)
	if attention {
		b.attention(64)
	}
	b.conv(64, 128, 4, 2, 1, true) // 16x16
	b.act(actLeakyReLU)
	if attention {
		b.attention(128)
	}
	b.conv(128, 256, 4, 2, 1, true) // 8x8
	b.act(actLeakyReLU)
	b.conv(256, 512, 4, 2, 1, true) // 4x4
	b.act(actLeakyReLU)

	net := &Network{
		Name:    "discriminator",
		InShape: []int{imgChannels, 64, 64},
		Classes: classes,
	}
	if classes > 0 {
		b.conv(512, 1024, 4, 1, 0, true) // 1x1
		b.flatten()
		net.head = newProjectionHead(rng, "d.head", 1024, classes)
	} else {
		b.conv(512, 1, 4, 1, 0, true)
		b.flatten()
	}
	net.stages = b.stages
	return net
}
