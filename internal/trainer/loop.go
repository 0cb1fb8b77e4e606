package trainer

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"ganforge/internal/dataset"
	"ganforge/internal/nn"
)

// ErrNonFiniteLoss aborts training when an objective degenerates to NaN or
// Inf.
var ErrNonFiniteLoss = errors.New("trainer: non-finite loss")

// LoopConfig holds the optimization knobs for one adversarial run.
type LoopConfig struct {
	BatchSize int
	ZDim      int
	Classes   int
	DIters    int
	LR        float64
	Beta1     float64
	Beta2     float64
	Loss      LossKind
	Seed      int64
}

// StepResult reports one iteration. GLoss is meaningful only when GUpdated
// is set.
type StepResult struct {
	DLoss    float64
	GLoss    float64
	GUpdated bool
}

// Loop owns the two training graphs of a GAN pair. The generator graph
// produces fakes and the generator gradient; the discriminator graph scores
// a real and a fake batch against shared weights. Fakes cross between the
// graphs as plain values, so discriminator gradients never reach the
// generator.
type Loop struct {
	cfg  LoopConfig
	gen  *nn.Network
	disc *nn.Network
	rng  *rand.Rand
	iter int

	// fixed latent/label bank so successive sample grids show the same
	// draws evolving.
	sampleBank   *tensor.Dense
	sampleLabels []int

	gMachine gorgonia.VM
	gSolver  gorgonia.Solver
	genInst  *nn.Instance
	gZ       *gorgonia.Node
	gLabels  *gorgonia.Node
	fakeVal  gorgonia.Value
	gLossVal gorgonia.Value

	dMachine  gorgonia.VM
	dSolver   gorgonia.Solver
	discInst  *nn.Instance
	dReal     *gorgonia.Node
	dFake     *gorgonia.Node
	dRealLbls *gorgonia.Node
	dFakeLbls *gorgonia.Node
	dLossVal  gorgonia.Value
}

// NewLoop wires gen and disc into their training graphs.
func NewLoop(gen, disc *nn.Network, cfg LoopConfig) (*Loop, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.New("trainer: batch size must be > 0")
	}
	if cfg.ZDim <= 0 {
		return nil, errors.New("trainer: z dim must be > 0")
	}
	if cfg.DIters <= 0 {
		cfg.DIters = 1
	}
	if cfg.LR <= 0 {
		return nil, errors.New("trainer: learning rate must be > 0")
	}
	if !cfg.Loss.valid() {
		return nil, errors.Errorf("trainer: unknown loss kind %q", cfg.Loss)
	}
	if gen.Classes != cfg.Classes || disc.Classes != cfg.Classes {
		return nil, errors.Errorf("trainer: class count mismatch (gen=%d disc=%d cfg=%d)",
			gen.Classes, disc.Classes, cfg.Classes)
	}

	l := &Loop{cfg: cfg, gen: gen, disc: disc, rng: rand.New(rand.NewSource(cfg.Seed))}
	if err := l.buildGeneratorGraph(); err != nil {
		return nil, err
	}
	if err := l.buildDiscriminatorGraph(); err != nil {
		return nil, err
	}
	adam := func() gorgonia.Solver {
		return gorgonia.NewAdamSolver(
			gorgonia.WithLearnRate(cfg.LR),
			gorgonia.WithBeta1(cfg.Beta1),
			gorgonia.WithBeta2(cfg.Beta2),
		)
	}
	l.gSolver = adam()
	l.dSolver = adam()

	l.sampleBank = l.sampleZ()
	if cfg.Classes > 0 {
		l.sampleLabels = make([]int, cfg.BatchSize)
		for i := range l.sampleLabels {
			l.sampleLabels[i] = i % cfg.Classes
		}
	}
	return l, nil
}

func (l *Loop) buildGeneratorGraph() error {
	g := gorgonia.NewGraph()
	genInst, err := l.gen.Instantiate(g)
	if err != nil {
		return err
	}
	l.genInst = genInst

	l.gZ = gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(l.cfg.BatchSize, l.cfg.ZDim), gorgonia.WithName("z"))
	if l.cfg.Classes > 0 {
		l.gLabels = gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(l.cfg.BatchSize, l.cfg.Classes), gorgonia.WithName("z.labels"))
	}

	fake, err := genInst.Forward(l.gZ, l.gLabels)
	if err != nil {
		return err
	}
	gorgonia.Read(fake, &l.fakeVal)

	// A second binding of the discriminator scores the fakes in-graph so
	// the generator gradient can flow through it. Its weight nodes share
	// backings with the canonical discriminator and are excluded from the
	// generator's gradient and solver.
	discCopy, err := l.disc.Instantiate(g)
	if err != nil {
		return err
	}
	score, err := discCopy.Forward(fake, l.gLabels)
	if err != nil {
		return err
	}
	gLoss, err := generatorLoss(l.cfg.Loss, score)
	if err != nil {
		return err
	}
	gorgonia.Read(gLoss, &l.gLossVal)
	if _, err := gorgonia.Grad(gLoss, genInst.Learnables()...); err != nil {
		return errors.Wrap(err, "generator grad")
	}
	l.gMachine = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(genInst.Learnables()...))
	return nil
}

func (l *Loop) buildDiscriminatorGraph() error {
	g := gorgonia.NewGraph()
	discInst, err := l.disc.Instantiate(g)
	if err != nil {
		return err
	}
	l.discInst = discInst

	inShape := append(tensor.Shape{l.cfg.BatchSize}, l.disc.InShape...)
	l.dReal = gorgonia.NewTensor(g, tensor.Float64, len(inShape),
		gorgonia.WithShape(inShape...), gorgonia.WithName("x.real"))
	l.dFake = gorgonia.NewTensor(g, tensor.Float64, len(inShape),
		gorgonia.WithShape(inShape...), gorgonia.WithName("x.fake"))
	if l.cfg.Classes > 0 {
		l.dRealLbls = gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(l.cfg.BatchSize, l.cfg.Classes), gorgonia.WithName("y.real"))
		l.dFakeLbls = gorgonia.NewMatrix(g, tensor.Float64,
			gorgonia.WithShape(l.cfg.BatchSize, l.cfg.Classes), gorgonia.WithName("y.fake"))
	}

	realScore, err := discInst.Forward(l.dReal, l.dRealLbls)
	if err != nil {
		return err
	}
	fakeScore, err := discInst.Forward(l.dFake, l.dFakeLbls)
	if err != nil {
		return err
	}
	dLoss, err := discriminatorLoss(l.cfg.Loss, realScore, fakeScore)
	if err != nil {
		return err
	}
	gorgonia.Read(dLoss, &l.dLossVal)
	if _, err := gorgonia.Grad(dLoss, discInst.Learnables()...); err != nil {
		return errors.Wrap(err, "discriminator grad")
	}
	l.dMachine = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(discInst.Learnables()...))
	return nil
}

// Step consumes one real batch: the discriminator always updates, the
// generator updates on every DIters-th iteration with a fresh latent batch.
// Conditional fakes are conditioned on the real batch's labels in both
// updates.
func (l *Loop) Step(batch dataset.Batch) (StepResult, error) {
	var res StepResult
	if batch.X == nil {
		return res, errors.New("trainer: empty batch")
	}
	want := append([]int{l.cfg.BatchSize}, l.disc.InShape...)
	if !shapeEq(batch.X.Shape(), want) {
		return res, errors.Errorf("trainer: batch shape %v does not match %v", batch.X.Shape(), want)
	}
	if l.cfg.Classes > 0 && len(batch.Labels) != l.cfg.BatchSize {
		return res, errors.Errorf("trainer: conditional run needs %d labels, got %d",
			l.cfg.BatchSize, len(batch.Labels))
	}
	if l.cfg.Classes == 0 && batch.Labels != nil {
		return res, errors.New("trainer: unconditional run given labels")
	}

	fake, _, err := l.runGenerator(l.sampleZ(), batch.Labels)
	if err != nil {
		return res, err
	}

	if err := l.discInst.UpdateEstimates(); err != nil {
		return res, err
	}
	if err := gorgonia.Let(l.dReal, batch.X); err != nil {
		return res, errors.Wrap(err, "bind real batch")
	}
	if err := gorgonia.Let(l.dFake, fake); err != nil {
		return res, errors.Wrap(err, "bind fake batch")
	}
	if l.cfg.Classes > 0 {
		hot, err := nn.OneHot(batch.Labels, l.cfg.Classes, l.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if err := gorgonia.Let(l.dRealLbls, hot); err != nil {
			return res, errors.Wrap(err, "bind real labels")
		}
		if err := gorgonia.Let(l.dFakeLbls, hot); err != nil {
			return res, errors.Wrap(err, "bind fake labels")
		}
	}
	if err := l.dMachine.RunAll(); err != nil {
		return res, errors.Wrap(err, "discriminator run")
	}
	l.dMachine.Reset()
	res.DLoss = scalarOf(l.dLossVal)
	if !isFinite(res.DLoss) {
		return res, errors.Wrapf(ErrNonFiniteLoss, "discriminator loss %v at iter %d", res.DLoss, l.iter)
	}
	if err := l.dSolver.Step(gorgonia.NodesToValueGrads(l.discInst.Learnables())); err != nil {
		return res, errors.Wrap(err, "discriminator step")
	}

	if (l.iter+1)%l.cfg.DIters == 0 {
		_, gLoss, err := l.runGenerator(l.sampleZ(), batch.Labels)
		if err != nil {
			return res, err
		}
		res.GLoss = gLoss
		if !isFinite(gLoss) {
			return res, errors.Wrapf(ErrNonFiniteLoss, "generator loss %v at iter %d", gLoss, l.iter)
		}
		if err := l.gSolver.Step(gorgonia.NodesToValueGrads(l.genInst.Learnables())); err != nil {
			return res, errors.Wrap(err, "generator step")
		}
		res.GUpdated = true
	}
	l.iter++
	return res, nil
}

// Iter reports the number of completed iterations.
func (l *Loop) Iter() int { return l.iter }

// Sample generates one batch of fakes from the fixed latent/label bank,
// reusing the generator graph. For conditional runs the labels the batch
// was conditioned on are returned alongside it.
func (l *Loop) Sample() (*tensor.Dense, []int, error) {
	fake, _, err := l.runGenerator(l.sampleBank, l.sampleLabels)
	if err != nil {
		return nil, nil, err
	}
	return fake, l.sampleLabels, nil
}

// Close releases both tape machines.
func (l *Loop) Close() error {
	if err := l.gMachine.Close(); err != nil {
		return err
	}
	return l.dMachine.Close()
}

func (l *Loop) runGenerator(z *tensor.Dense, labels []int) (*tensor.Dense, float64, error) {
	if err := l.genInst.UpdateEstimates(); err != nil {
		return nil, 0, err
	}
	if err := gorgonia.Let(l.gZ, z); err != nil {
		return nil, 0, errors.Wrap(err, "bind latent batch")
	}
	if l.gLabels != nil {
		hot, err := nn.OneHot(labels, l.cfg.Classes, l.cfg.BatchSize)
		if err != nil {
			return nil, 0, err
		}
		if err := gorgonia.Let(l.gLabels, hot); err != nil {
			return nil, 0, errors.Wrap(err, "bind latent labels")
		}
	}
	if err := l.gMachine.RunAll(); err != nil {
		return nil, 0, errors.Wrap(err, "generator run")
	}
	l.gMachine.Reset()
	fake := l.fakeVal.(*tensor.Dense).Clone().(*tensor.Dense)
	return fake, scalarOf(l.gLossVal), nil
}

func (l *Loop) sampleZ() *tensor.Dense {
	backing := make([]float64, l.cfg.BatchSize*l.cfg.ZDim)
	for i := range backing {
		backing[i] = l.rng.NormFloat64()
	}
	return tensor.New(tensor.WithShape(l.cfg.BatchSize, l.cfg.ZDim), tensor.WithBacking(backing))
}

func scalarOf(v gorgonia.Value) float64 {
	switch data := v.Data().(type) {
	case float64:
		return data
	case []float64:
		if len(data) > 0 {
			return data[0]
		}
	}
	return math.NaN()
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func shapeEq(a tensor.Shape, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
