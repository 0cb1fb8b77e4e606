package nn

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Evaluator executes a single network's forward contract for a fixed batch
// size: graph and machine are built once, each call re-binds inputs and runs
// the tape. Outputs and attention maps are cloned out of machine-owned
// memory.
type Evaluator struct {
	net     *Network
	batch   int
	graph   *gorgonia.ExprGraph
	inst    *Instance
	x       *gorgonia.Node
	oneHot  *gorgonia.Node
	outVal  gorgonia.Value
	attnVal []gorgonia.Value
	machine gorgonia.VM
}

// NewEvaluator builds the forward graph for batch-many samples.
func NewEvaluator(net *Network, batch int) (*Evaluator, error) {
	if batch <= 0 {
		return nil, errors.Errorf("%s: batch must be > 0", net.Name)
	}
	e := &Evaluator{net: net, batch: batch, graph: gorgonia.NewGraph()}
	inst, err := net.Instantiate(e.graph)
	if err != nil {
		return nil, err
	}
	e.inst = inst

	inShape := append(tensor.Shape{batch}, net.InShape...)
	e.x = gorgonia.NewTensor(e.graph, tensor.Float64, len(inShape),
		gorgonia.WithShape(inShape...), gorgonia.WithName(net.Name+".in"))
	if net.Classes > 0 {
		e.oneHot = gorgonia.NewMatrix(e.graph, tensor.Float64,
			gorgonia.WithShape(batch, net.Classes), gorgonia.WithName(net.Name+".labels"))
	}

	out, err := inst.Forward(e.x, e.oneHot)
	if err != nil {
		return nil, err
	}
	gorgonia.Read(out, &e.outVal)
	e.attnVal = make([]gorgonia.Value, len(inst.attn))
	for i, a := range inst.attn {
		gorgonia.Read(a, &e.attnVal[i])
	}
	e.machine = gorgonia.NewTapeMachine(e.graph)
	return e, nil
}

// Forward runs one evaluation. labels must be nil for unconditional
// networks. A latent batch shaped (N, z, 1, 1) is accepted and viewed as
// (N, z).
func (e *Evaluator) Forward(x *tensor.Dense, labels []int) (*tensor.Dense, []*tensor.Dense, error) {
	x, err := conformInput(x, e.batch, e.net.InShape)
	if err != nil {
		return nil, nil, errors.Wrap(err, e.net.Name)
	}
	if err := e.inst.UpdateEstimates(); err != nil {
		return nil, nil, err
	}
	if err := gorgonia.Let(e.x, x); err != nil {
		return nil, nil, errors.Wrapf(err, "%s: bind input", e.net.Name)
	}
	if e.oneHot != nil {
		hot, err := OneHot(labels, e.net.Classes, e.batch)
		if err != nil {
			return nil, nil, errors.Wrap(err, e.net.Name)
		}
		if err := gorgonia.Let(e.oneHot, hot); err != nil {
			return nil, nil, errors.Wrapf(err, "%s: bind labels", e.net.Name)
		}
	} else if labels != nil {
		return nil, nil, errors.Errorf("%s: unconditional network given labels", e.net.Name)
	}
	if err := e.machine.RunAll(); err != nil {
		return nil, nil, errors.Wrapf(err, "%s: run", e.net.Name)
	}
	e.machine.Reset()

	out := e.outVal.(*tensor.Dense).Clone().(*tensor.Dense)
	attn := make([]*tensor.Dense, len(e.attnVal))
	for i, v := range e.attnVal {
		attn[i] = v.(*tensor.Dense).Clone().(*tensor.Dense)
	}
	return out, attn, nil
}

// Close releases the tape machine.
func (e *Evaluator) Close() error { return e.machine.Close() }

// conformInput checks the batch against the declared shape, allowing
// trailing singleton axes on latent vectors.
func conformInput(x *tensor.Dense, batch int, inShape []int) (*tensor.Dense, error) {
	want := append([]int{batch}, inShape...)
	got := []int(x.Shape())
	if shapeEq(got, want) {
		return x, nil
	}
	squeezed := squeezeTrailing(got)
	if shapeEq(squeezed, want) {
		view := x.Clone().(*tensor.Dense)
		if err := view.Reshape(want...); err != nil {
			return nil, err
		}
		return view, nil
	}
	return nil, errors.Errorf("input shape %v does not match (%d, %v)", got, batch, inShape)
}

func squeezeTrailing(shape []int) []int {
	out := append([]int(nil), shape...)
	for len(out) > 1 && out[len(out)-1] == 1 {
		out = out[:len(out)-1]
	}
	return out
}

func shapeEq(a, b []int) bool {
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
