package nn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ProjectionHead fuses pooled features with class identity. The psi term
// scores realism unconditionally; the class term selects one row of a
// spectral-normalized class-embedding map via the label's one-hot vector.
// With no label the psi term stands alone.
type ProjectionHead struct {
	name     string
	features int
	classes  int
	psiW     *param // (features, 1)
	psiB     *param // (1, 1)
	embW     *param // (features, classes)
	embB     *param // (1, classes)
	snPsi    *SpectralNorm
	snEmb    *SpectralNorm
}

func newProjectionHead(rng *rand.Rand, name string, features, classes int) *ProjectionHead {
	return &ProjectionHead{
		name:     name,
		features: features,
		classes:  classes,
		psiW:     newGaussianParam(rng, name+".psi.w", convInitStd, features, 1),
		psiB:     newConstParam(name+".psi.b", 0, 1, 1),
		embW:     newGaussianParam(rng, name+".embed.w", convInitStd, features, classes),
		embB:     newConstParam(name+".embed.b", 0, 1, classes),
		snPsi:    newSpectralNorm(rng, features, 1),
		snEmb:    newSpectralNorm(rng, features, classes),
	}
}

func (p *ProjectionHead) stageParams() []*param {
	return []*param{p.psiW, p.psiB, p.embW, p.embB}
}

func (p *ProjectionHead) stageEsts() []namedEst {
	return []namedEst{{p.psiW.name, p.snPsi}, {p.embW.name, p.snEmb}}
}

func (p *ProjectionHead) bind(in *Instance) (*boundProjection, error) {
	b := &boundProjection{head: p}
	psiW := in.bindParam(p.psiW, true)
	embW := in.bindParam(p.embW, true)
	var err error
	if b.psiW, err = normalizeNode(in, psiW, &snBinding{est: p.snPsi, p: p.psiW}, p.psiW.name); err != nil {
		return nil, err
	}
	if b.embW, err = normalizeNode(in, embW, &snBinding{est: p.snEmb, p: p.embW}, p.embW.name); err != nil {
		return nil, err
	}
	b.psiB = in.bindParam(p.psiB, true)
	b.embB = in.bindParam(p.embB, true)
	return b, nil
}

type boundProjection struct {
	head       *ProjectionHead
	psiW, psiB *gorgonia.Node
	embW, embB *gorgonia.Node
}

// score maps pooled features (N, features) and an optional one-hot label
// batch (N, classes) to a scalar score per sample (N, 1).
func (b *boundProjection) score(features, oneHot *gorgonia.Node) (*gorgonia.Node, error) {
	p := b.head
	if got := features.Shape()[1]; got != p.features {
		return nil, errors.Errorf("%s: pooled features have width %d, head built for %d", p.name, got, p.features)
	}
	psi, err := gorgonia.Mul(features, b.psiW)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: psi", p.name)
	}
	psi, err = gorgonia.BroadcastAdd(psi, b.psiB, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	if oneHot == nil {
		return psi, nil
	}

	logits, err := gorgonia.Mul(features, b.embW) // (N, classes)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: class embedding", p.name)
	}
	logits, err = gorgonia.BroadcastAdd(logits, b.embB, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	selected, err := gorgonia.HadamardProd(logits, oneHot)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: label selection", p.name)
	}
	cond, err := gorgonia.Sum(selected, 1) // (N,)
	if err != nil {
		return nil, err
	}
	cond2, err := gorgonia.Reshape(cond, tensor.Shape{features.Shape()[0], 1})
	if err != nil {
		return nil, err
	}
	return gorgonia.Add(psi, cond2)
}
