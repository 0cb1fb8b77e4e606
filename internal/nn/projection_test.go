package nn

import (
	"math"
	"math/rand"
	"testing"
)

func TestProjectionHeadScoresPsiPlusClassTerm(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	const features, classes, batch = 6, 3, 4
	head := newProjectionHead(rng, "head", features, classes)
	net := &Network{Name: "cond", InShape: []int{features}, Classes: classes, head: head}

	ev, err := NewEvaluator(net, batch)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	defer ev.Close()

	x := randomBatch(rng, batch, features)
	labels := []int{0, 1, 2, 0}
	out, _, err := ev.Forward(x, labels)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !shapeEq(out.Shape(), []int{batch, 1}) {
		t.Fatalf("score shape %v want (%d,1)", out.Shape(), batch)
	}

	// Recompute by hand with the sigma values the estimators settled on for
	// this run.
	feats := x.Data().([]float64)
	psiW := head.psiW.val.Data().([]float64)
	psiB := head.psiB.val.Data().([]float64)
	embW := head.embW.val.Data().([]float64)
	embB := head.embB.val.Data().([]float64)
	sPsi := head.snPsi.Sigma()
	sEmb := head.snEmb.Sigma()
	got := out.Data().([]float64)
	for i := 0; i < batch; i++ {
		psi := psiB[0]
		cond := embB[labels[i]]
		for j := 0; j < features; j++ {
			psi += feats[i*features+j] * psiW[j] / sPsi
			cond += feats[i*features+j] * embW[j*classes+labels[i]] / sEmb
		}
		if want := psi + cond; math.Abs(got[i]-want) > 1e-9 {
			t.Fatalf("sample %d: score %v want %v", i, got[i], want)
		}
	}
}

func TestProjectionHeadRejectsBadLabels(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	net := &Network{Name: "cond", InShape: []int{4}, Classes: 2, head: newProjectionHead(rng, "head", 4, 2)}
	ev, err := NewEvaluator(net, 2)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	defer ev.Close()
	if _, _, err := ev.Forward(randomBatch(rng, 2, 4), []int{0, 5}); err == nil {
		t.Fatalf("expected out-of-range label to be rejected")
	}
	if _, _, err := ev.Forward(randomBatch(rng, 2, 4), nil); err == nil {
		t.Fatalf("expected missing labels to be rejected")
	}
}
