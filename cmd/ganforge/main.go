package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ganforge/internal/config"
	"ganforge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/gan.yaml", "Path to YAML config")
	variant := flag.String("variant", "", "Override variant (gan, wgan, sagan, sngan)")
	dataRoot := flag.String("data-root", "", "Override shard root")
	outDir := flag.String("out-dir", "", "Override output directory")
	resume := flag.String("resume", "", "Checkpoint to restore before training")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	seed := flag.Int64("seed", 0, "PRNG seed")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		Variant:   *variant,
		DataRoot:  *dataRoot,
		OutDir:    *outDir,
		Resume:    *resume,
		BatchSize: *batchSize,
		Epochs:    *epochs,
		Seed:      *seed,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	log.Printf("variant=%s batch_size=%d d_iters=%d epochs=%d out_dir=%s",
		cfg.Variant, cfg.BatchSize, cfg.DIters, cfg.Epochs, cfg.OutDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCfg := trainer.RunConfig{
		Variant:     string(cfg.Variant),
		DataRoot:    cfg.DataRoot,
		OutDir:      cfg.OutDir,
		Resume:      cfg.Resume,
		ZDim:        cfg.ZDim,
		Classes:     cfg.CDim,
		ImgChannels: cfg.ImgChannels,
		DataDim:     cfg.DataDim,
		BatchSize:   cfg.BatchSize,
		Epochs:      cfg.Epochs,
		DIters:      cfg.DIters,
		LR:          cfg.LR,
		Beta1:       cfg.Beta1,
		Beta2:       cfg.Beta2,
		SampleEvery: cfg.SampleEvery,
		LogEvery:    cfg.LogEvery,
		NumWorkers:  cfg.NumWorkers,
		Seed:        cfg.Seed,
	}

	if err := trainer.Run(ctx, runCfg); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
