package trainer

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// LossKind selects the adversarial objective pair.
type LossKind string

const (
	// LossHinge is the hinge objective: the discriminator pushes real
	// scores above +1 and fake scores below -1, the generator maximizes
	// the raw fake score.
	LossHinge LossKind = "hinge"
	// LossLog is the original saturating log loss over sigmoid outputs.
	LossLog LossKind = "log"
	// LossWasserstein is the critic objective, mean(fake) - mean(real).
	LossWasserstein LossKind = "wasserstein"
)

const logLossEps = 1e-8

func (k LossKind) valid() bool {
	switch k {
	case LossHinge, LossLog, LossWasserstein:
		return true
	}
	return false
}

// discriminatorLoss builds the discriminator (or critic) objective over
// score nodes for a real and a fake batch.
func discriminatorLoss(kind LossKind, real, fake *gorgonia.Node) (*gorgonia.Node, error) {
	switch kind {
	case LossHinge:
		realTerm, err := gorgonia.Sub(one(), real)
		if err != nil {
			return nil, errors.Wrap(err, "hinge real margin")
		}
		if realTerm, err = gorgonia.Rectify(realTerm); err != nil {
			return nil, errors.Wrap(err, "hinge real rectify")
		}
		realMean, err := gorgonia.Mean(realTerm)
		if err != nil {
			return nil, errors.Wrap(err, "hinge real mean")
		}
		fakeTerm, err := gorgonia.Add(one(), fake)
		if err != nil {
			return nil, errors.Wrap(err, "hinge fake margin")
		}
		if fakeTerm, err = gorgonia.Rectify(fakeTerm); err != nil {
			return nil, errors.Wrap(err, "hinge fake rectify")
		}
		fakeMean, err := gorgonia.Mean(fakeTerm)
		if err != nil {
			return nil, errors.Wrap(err, "hinge fake mean")
		}
		return gorgonia.Add(realMean, fakeMean)

	case LossLog:
		realTerm, err := meanLog(real, false)
		if err != nil {
			return nil, errors.Wrap(err, "log real term")
		}
		fakeTerm, err := meanLog(fake, true)
		if err != nil {
			return nil, errors.Wrap(err, "log fake term")
		}
		sum, err := gorgonia.Add(realTerm, fakeTerm)
		if err != nil {
			return nil, err
		}
		return gorgonia.Neg(sum)

	case LossWasserstein:
		realMean, err := gorgonia.Mean(real)
		if err != nil {
			return nil, errors.Wrap(err, "critic real mean")
		}
		fakeMean, err := gorgonia.Mean(fake)
		if err != nil {
			return nil, errors.Wrap(err, "critic fake mean")
		}
		return gorgonia.Sub(fakeMean, realMean)
	}
	return nil, errors.Errorf("unknown loss kind %q", kind)
}

// generatorLoss builds the generator objective over the fake batch's score
// node.
func generatorLoss(kind LossKind, fake *gorgonia.Node) (*gorgonia.Node, error) {
	switch kind {
	case LossHinge, LossWasserstein:
		mean, err := gorgonia.Mean(fake)
		if err != nil {
			return nil, errors.Wrap(err, "generator mean")
		}
		return gorgonia.Neg(mean)
	case LossLog:
		term, err := meanLog(fake, false)
		if err != nil {
			return nil, errors.Wrap(err, "generator log term")
		}
		return gorgonia.Neg(term)
	}
	return nil, errors.Errorf("unknown loss kind %q", kind)
}

// meanLog computes mean(log(p + eps)), or mean(log(1 - p + eps)) when
// complement is set. p must already be a probability.
func meanLog(p *gorgonia.Node, complement bool) (*gorgonia.Node, error) {
	var err error
	if complement {
		if p, err = gorgonia.Sub(one(), p); err != nil {
			return nil, err
		}
	}
	eps := gorgonia.NewConstant(logLossEps)
	if p, err = gorgonia.Add(p, eps); err != nil {
		return nil, err
	}
	if p, err = gorgonia.Log(p); err != nil {
		return nil, err
	}
	return gorgonia.Mean(p)
}

func one() *gorgonia.Node {
	return gorgonia.NewConstant(1.0)
}
