package nn

import (
	"github.com/pkg/errors"
)

// StateBlob is one named parameter (or spectral estimate vector) in a
// persistable form.
type StateBlob struct {
	Name  string
	Shape []int
	Data  []float64
}

// State snapshots every parameter plus the spectral (u, v) estimates, so a
// restored run continues the same power-iteration trajectory.
func (n *Network) State() []StateBlob {
	var blobs []StateBlob
	for _, p := range n.allParams() {
		blobs = append(blobs, StateBlob{
			Name:  p.name,
			Shape: append([]int(nil), p.shape()...),
			Data:  append([]float64(nil), p.val.Data().([]float64)...),
		})
	}
	for _, e := range n.allEsts() {
		blobs = append(blobs,
			StateBlob{Name: e.name + ".sn.u", Shape: []int{e.est.rows}, Data: append([]float64(nil), e.est.u.Data().([]float64)...)},
			StateBlob{Name: e.name + ".sn.v", Shape: []int{e.est.cols}, Data: append([]float64(nil), e.est.v.Data().([]float64)...)},
		)
	}
	return blobs
}

// LoadState restores a snapshot into the network's backings in place, so
// every existing graph instance picks the values up on its next run. Every
// parameter must be present with a matching shape.
func (n *Network) LoadState(blobs []StateBlob) error {
	byName := make(map[string]StateBlob, len(blobs))
	for _, b := range blobs {
		byName[b.Name] = b
	}
	restore := func(name string, dst []float64, shape []int) error {
		b, ok := byName[name]
		if !ok {
			return errors.Errorf("%s: missing blob %s", n.Name, name)
		}
		if len(b.Data) != len(dst) {
			return errors.Errorf("%s: blob %s has %d values, want %d (shape %v)", n.Name, name, len(b.Data), len(dst), shape)
		}
		copy(dst, b.Data)
		delete(byName, name)
		return nil
	}
	for _, p := range n.allParams() {
		if err := restore(p.name, p.val.Data().([]float64), p.shape()); err != nil {
			return err
		}
	}
	for _, e := range n.allEsts() {
		if err := restore(e.name+".sn.u", e.est.u.Data().([]float64), []int{e.est.rows}); err != nil {
			return err
		}
		if err := restore(e.name+".sn.v", e.est.v.Data().([]float64), []int{e.est.cols}); err != nil {
			return err
		}
	}
	if len(byName) > 0 {
		for name := range byName {
			return errors.Errorf("%s: blob %s does not match any parameter", n.Name, name)
		}
	}
	return nil
}
