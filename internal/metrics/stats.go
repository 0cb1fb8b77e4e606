package metrics

import "time"

// Window accumulates timing and loss stats across training iterations.
// Discriminator loss is recorded every iteration, generator loss only on
// the iterations where a generator step ran.
type Window struct {
	samples   int
	data      time.Duration
	compute   time.Duration
	steps     int
	dLossSum  float64
	lastDLoss float64
	gSteps    int
	gLossSum  float64
	lastGLoss float64
}

// Record adds one discriminator iteration to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, dLoss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.dLossSum += dLoss
	w.lastDLoss = dLoss
}

// RecordG adds a generator update to the current window.
func (w *Window) RecordG(gLoss float64) {
	w.gSteps++
	w.gLossSum += gLoss
	w.lastGLoss = gLoss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.AvgDLoss = w.dLossSum / float64(w.steps)
	}
	if w.gSteps > 0 {
		snap.AvgGLoss = w.gLossSum / float64(w.gSteps)
	}
	snap.LastDLoss = w.lastDLoss
	snap.LastGLoss = w.lastGLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics for one window.
type Snapshot struct {
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	AvgDLoss      float64
	LastDLoss     float64
	AvgGLoss      float64
	LastGLoss     float64
}
