package trainer

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"ganforge/internal/checkpoint"
	"ganforge/internal/dataset"
	"ganforge/internal/metrics"
	"ganforge/internal/nn"
	"ganforge/internal/sample"
)

// RunConfig captures the knobs required by a full training run.
type RunConfig struct {
	Variant     string
	DataRoot    string
	OutDir      string
	Resume      string
	ZDim        int
	Classes     int
	ImgChannels int
	DataDim     int
	BatchSize   int
	Epochs      int
	DIters      int
	LR          float64
	Beta1       float64
	Beta2       float64
	SampleEvery int
	LogEvery    int
	NumWorkers  int
	Seed        int64
}

type batchSource interface {
	Stream(ctx context.Context) (<-chan dataset.Batch, <-chan error, error)
}

// Run executes the training workload end to end: build the variant's
// network pair, optionally restore a snapshot, then alternate updates over
// epoch streams, emitting logs, sample grids and checkpoints as it goes.
func Run(ctx context.Context, cfg RunConfig) error {
	if cfg.Epochs <= 0 {
		return errors.New("trainer: epochs must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = 500
	}

	gen, disc, loss, err := buildVariant(cfg)
	if err != nil {
		return err
	}
	nets := map[string]*nn.Network{"G": gen, "D": disc}
	if cfg.Resume != "" {
		if err := checkpoint.Restore(cfg.Resume, nets); err != nil {
			return err
		}
		log.Printf("restored checkpoint %s", cfg.Resume)
	}

	loop, err := NewLoop(gen, disc, LoopConfig{
		BatchSize: cfg.BatchSize,
		ZDim:      cfg.ZDim,
		Classes:   cfg.Classes,
		DIters:    cfg.DIters,
		LR:        cfg.LR,
		Beta1:     cfg.Beta1,
		Beta2:     cfg.Beta2,
		Loss:      loss,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return err
	}
	defer loop.Close()

	source, image, err := buildSource(cfg)
	if err != nil {
		return err
	}

	var window metrics.Window
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := runEpoch(ctx, cfg, loop, source, nets, &window, epoch, image); err != nil {
			return err
		}
	}

	final := filepath.Join(cfg.OutDir, "checkpoints", "final.gob")
	if err := checkpoint.Save(final, nets); err != nil {
		return err
	}
	log.Printf("training done: iters=%d checkpoint=%s", loop.Iter(), final)
	return nil
}

func runEpoch(ctx context.Context, cfg RunConfig, loop *Loop, source batchSource,
	nets map[string]*nn.Network, window *metrics.Window, epoch int, image bool) error {

	// Each epoch gets its own cancel so an early return releases the
	// stream's producer goroutines instead of leaving them blocked.
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, errCh, err := source.Stream(epochCtx)
	if err != nil {
		return err
	}
	for {
		startData := time.Now()
		batch, ok, err := nextBatch(epochCtx, batches, errCh)
		if err != nil {
			return err
		}
		if !ok {
			log.Printf("epoch %d complete after %d iters", epoch, loop.Iter())
			return nil
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		res, err := loop.Step(batch)
		if err != nil {
			return err
		}
		computeTime := time.Since(startCompute)

		window.Record(batch.Size(), dataTime, computeTime, res.DLoss)
		if res.GUpdated {
			window.RecordG(res.GLoss)
		}

		iter := loop.Iter()
		if iter%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Printf("epoch=%d iter=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f d_loss=%.4f g_loss=%.4f sigma_clamps=%d",
				epoch, iter,
				snap.SamplesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.AvgDLoss,
				snap.AvgGLoss,
				nets["G"].SigmaClamps()+nets["D"].SigmaClamps(),
			)
		}
		if iter%cfg.SampleEvery == 0 {
			if err := emitArtifacts(cfg, loop, nets, iter, image); err != nil {
				return err
			}
		}
	}
}

func nextBatch(ctx context.Context, batches <-chan dataset.Batch, errCh <-chan error) (dataset.Batch, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return dataset.Batch{}, false, ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return dataset.Batch{}, false, err
			}
			errCh = nil
		case batch, ok := <-batches:
			if !ok {
				return dataset.Batch{}, false, nil
			}
			return batch, true, nil
		}
	}
}

func emitArtifacts(cfg RunConfig, loop *Loop, nets map[string]*nn.Network, iter int, image bool) error {
	path := filepath.Join(cfg.OutDir, "checkpoints", fmt.Sprintf("step-%06d.gob", iter))
	if err := checkpoint.Save(path, nets); err != nil {
		return err
	}
	if !image {
		return nil
	}
	fakes, _, err := loop.Sample()
	if err != nil {
		return err
	}
	grid := filepath.Join(cfg.OutDir, "grids", fmt.Sprintf("step-%06d.png", iter))
	return sample.WriteGrid(grid, fakes, 8)
}

// buildVariant maps a variant name to its network pair and objective.
func buildVariant(cfg RunConfig) (*nn.Network, *nn.Network, LossKind, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	switch cfg.Variant {
	case "gan":
		gen := nn.NewMLPGenerator(rng, cfg.ZDim, cfg.DataDim, false)
		disc := nn.NewMLPDiscriminator(rng, cfg.DataDim, true)
		return gen, disc, LossLog, nil
	case "wgan":
		gen := nn.NewMLPGenerator(rng, cfg.ZDim, cfg.DataDim, true)
		disc := nn.NewMLPDiscriminator(rng, cfg.DataDim, false)
		return gen, disc, LossWasserstein, nil
	case "sagan":
		gen := nn.NewImageGenerator(rng, cfg.ZDim, 0, cfg.ImgChannels, 512, true, true)
		disc := nn.NewImageDiscriminator(rng, 0, cfg.ImgChannels, true)
		return gen, disc, LossHinge, nil
	case "sngan":
		// the projection pair constrains only the discriminator; its
		// generator trains unnormalized from a wider 1024-channel root.
		gen := nn.NewImageGenerator(rng, cfg.ZDim, cfg.Classes, cfg.ImgChannels, 1024, false, false)
		disc := nn.NewImageDiscriminator(rng, cfg.Classes, cfg.ImgChannels, false)
		return gen, disc, LossHinge, nil
	}
	return nil, nil, "", errors.Errorf("trainer: unknown variant %q", cfg.Variant)
}

func buildSource(cfg RunConfig) (batchSource, bool, error) {
	switch cfg.Variant {
	case "sagan", "sngan":
		shards, err := dataset.DiscoverShards(cfg.DataRoot)
		if err != nil {
			return nil, false, err
		}
		return &dataset.ShardSource{
			Shards:     shards,
			BatchSize:  cfg.BatchSize,
			Channels:   cfg.ImgChannels,
			Labeled:    cfg.Classes > 0,
			NumWorkers: cfg.NumWorkers,
		}, true, nil
	default:
		return &dataset.SyntheticSource{
			Dim:       cfg.DataDim,
			BatchSize: cfg.BatchSize,
			Seed:      cfg.Seed,
		}, false, nil
	}
}
