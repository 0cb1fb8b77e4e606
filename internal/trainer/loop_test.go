package trainer

import (
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"ganforge/internal/dataset"
	"ganforge/internal/nn"
)

func vectorBatch(rng *rand.Rand, n, dim int, labels []int) dataset.Batch {
	backing := make([]float64, n*dim)
	for i := range backing {
		backing[i] = rng.NormFloat64() * 0.25
	}
	return dataset.Batch{
		X:      tensor.New(tensor.WithShape(n, dim), tensor.WithBacking(backing)),
		Labels: labels,
	}
}

func TestLoopSingleStepLogLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	gen := nn.NewMLPGenerator(rng, 100, 1000, false)
	disc := nn.NewMLPDiscriminator(rng, 1000, true)
	loop, err := NewLoop(gen, disc, LoopConfig{
		BatchSize: 10, ZDim: 100, LR: 0.0002, Beta1: 0.5, Beta2: 0.999,
		Loss: LossLog, Seed: 7,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	res, err := loop.Step(vectorBatch(rng, 10, 1000, nil))
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !res.GUpdated {
		t.Fatalf("expected generator update with d_iters=1")
	}
	for _, v := range []float64{res.DLoss, res.GLoss} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite loss: %+v", res)
		}
	}
	if loop.Iter() != 1 {
		t.Fatalf("iter=%d want 1", loop.Iter())
	}
}

func TestLoopHingeLossNonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	gen := nn.NewMLPGenerator(rng, 8, 16, false)
	disc := nn.NewMLPDiscriminator(rng, 16, false)
	loop, err := NewLoop(gen, disc, LoopConfig{
		BatchSize: 4, ZDim: 8, LR: 0.0002, Loss: LossHinge, Seed: 3,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	for i := 0; i < 5; i++ {
		res, err := loop.Step(vectorBatch(rng, 4, 16, nil))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.DLoss < 0 {
			t.Fatalf("step %d: hinge loss %v < 0", i, res.DLoss)
		}
	}
}

func TestLoopGeneratorCadence(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	gen := nn.NewMLPGenerator(rng, 4, 8, false)
	disc := nn.NewMLPDiscriminator(rng, 8, false)
	loop, err := NewLoop(gen, disc, LoopConfig{
		BatchSize: 4, ZDim: 4, DIters: 3, LR: 0.0002, Loss: LossWasserstein, Seed: 5,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	want := []bool{false, false, true, false, false, true}
	for i, expect := range want {
		res, err := loop.Step(vectorBatch(rng, 4, 8, nil))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.GUpdated != expect {
			t.Fatalf("step %d: GUpdated=%v want %v", i, res.GUpdated, expect)
		}
	}
}

func TestLoopRejectsMalformedBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	gen := nn.NewMLPGenerator(rng, 4, 8, false)
	disc := nn.NewMLPDiscriminator(rng, 8, false)
	loop, err := NewLoop(gen, disc, LoopConfig{
		BatchSize: 4, ZDim: 4, LR: 0.0002, Loss: LossHinge, Seed: 1,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	if _, err := loop.Step(dataset.Batch{}); err == nil {
		t.Fatalf("expected empty batch rejection")
	}
	if _, err := loop.Step(vectorBatch(rng, 4, 7, nil)); err == nil {
		t.Fatalf("expected shape mismatch rejection")
	}
	if _, err := loop.Step(vectorBatch(rng, 4, 8, []int{0, 1, 2, 3})); err == nil {
		t.Fatalf("expected label rejection on unconditional run")
	}
}

func imageBatch(rng *rand.Rand, n, c int, labels []int) dataset.Batch {
	backing := make([]float64, n*c*64*64)
	for i := range backing {
		backing[i] = rng.Float64()*2 - 1
	}
	return dataset.Batch{
		X:      tensor.New(tensor.WithShape(n, c, 64, 64), tensor.WithBacking(backing)),
		Labels: labels,
	}
}

func TestLoopConditionsFakesOnBatchLabels(t *testing.T) {
	if testing.Short() {
		t.Skip("image pair step is slow")
	}
	rng := rand.New(rand.NewSource(10))
	gen := nn.NewImageGenerator(rng, 8, 3, 1, 32, false, false)
	disc := nn.NewImageDiscriminator(rng, 3, 1, false)
	loop, err := NewLoop(gen, disc, LoopConfig{
		BatchSize: 2, ZDim: 8, Classes: 3, LR: 0.0002, Loss: LossHinge, Seed: 11,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	batch := imageBatch(rng, 2, 1, []int{2, 0})
	res, err := loop.Step(batch)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !res.GUpdated {
		t.Fatalf("expected generator update with d_iters=1")
	}

	// Both the scored fake and the generator update must be conditioned on
	// the real batch's labels, not on a separate draw.
	hot, err := nn.OneHot(batch.Labels, 3, 2)
	if err != nil {
		t.Fatalf("OneHot: %v", err)
	}
	want := hot.Data().([]float64)
	for name, node := range map[string]*gorgonia.Node{
		"fake label input":      loop.dFakeLbls,
		"generator label input": loop.gLabels,
	} {
		got := node.Value().Data().([]float64)
		if len(got) != len(want) {
			t.Fatalf("%s: %d values, want %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s differs at %d: %v want %v", name, i, got[i], want[i])
			}
		}
	}
}

func TestLoopConditionalImageStep(t *testing.T) {
	if testing.Short() {
		t.Skip("image pair step is slow")
	}
	rng := rand.New(rand.NewSource(8))
	gen := nn.NewImageGenerator(rng, 16, 4, 1, 32, false, false)
	disc := nn.NewImageDiscriminator(rng, 4, 1, false)
	loop, err := NewLoop(gen, disc, LoopConfig{
		BatchSize: 2, ZDim: 16, Classes: 4, LR: 0.0002, Loss: LossHinge, Seed: 9,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	batch := imageBatch(rng, 2, 1, []int{1, 3})
	res, err := loop.Step(batch)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if math.IsNaN(res.DLoss) || math.IsInf(res.DLoss, 0) || res.DLoss < 0 {
		t.Fatalf("bad hinge loss %v", res.DLoss)
	}

	fakes, labels, err := loop.Sample()
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got := []int(fakes.Shape()); got[0] != 2 || got[1] != 1 || got[2] != 64 || got[3] != 64 {
		t.Fatalf("sample shape %v", got)
	}
	if len(labels) != 2 {
		t.Fatalf("expected 2 sample labels, got %d", len(labels))
	}

	unlabeled := dataset.Batch{X: batch.X}
	if _, err := loop.Step(unlabeled); err == nil {
		t.Fatalf("expected missing label rejection")
	}
}
