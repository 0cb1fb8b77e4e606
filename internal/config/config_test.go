package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadFrom(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return Load(path)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := loadFrom(t, `
variant: gan
z_dim: 100
data_dim: 1000
batch_size: 64
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DIters != 1 || cfg.LR != 0.0002 || cfg.Beta1 != 0.5 || cfg.Beta2 != 0.999 {
		t.Fatalf("optimizer defaults not applied: %+v", cfg)
	}
	if cfg.LogEvery != 50 || cfg.SampleEvery != 500 || cfg.Epochs != 1 || cfg.NumWorkers != 1 {
		t.Fatalf("cadence defaults not applied: %+v", cfg)
	}
	if cfg.Image() {
		t.Fatalf("gan variant misreported as image")
	}
}

func TestLoadConditionalImageVariant(t *testing.T) {
	cfg, err := loadFrom(t, `
# conditional run
variant: sngan
data_root: "/data/shards"
z_dim: 128
c_dim: 10
img_channels: 3
batch_size: 32
d_iters: 5
lr: 0.0001
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Variant != VariantSNGAN || cfg.CDim != 10 || cfg.DIters != 5 || cfg.LR != 0.0001 {
		t.Fatalf("parsed config wrong: %+v", cfg)
	}
	if !cfg.Image() {
		t.Fatalf("sngan variant misreported as non-image")
	}
}

func TestValidateFailsFast(t *testing.T) {
	cases := []string{
		"z_dim: 100\nbatch_size: 8\ndata_dim: 10",                                      // no variant
		"variant: sngan\nz_dim: 100\nbatch_size: 8\nimg_channels: 3\ndata_root: /d",    // missing c_dim
		"variant: sagan\nz_dim: 100\nbatch_size: 8\nimg_channels: 2\ndata_root: /d",    // bad channels
		"variant: sagan\nz_dim: 100\nbatch_size: 8\nimg_channels: 3",                   // missing data_root
		"variant: gan\nz_dim: 100\nbatch_size: 8",                                      // missing data_dim
		"variant: gan\nz_dim: 100\nbatch_size: 8\ndata_dim: 10\nc_dim: 4",              // mlp conditioning
		"variant: dcgan\nz_dim: 100\nbatch_size: 8\ndata_dim: 10",                      // unknown variant
		"variant: gan\nz_dim: 100\nbatch_size: 8\ndata_dim: 10\nbeta1: 1.5",            // bad beta
		"variant: gan\nz_dim: 0\nbatch_size: 8\ndata_dim: 10",                          // bad z_dim
		"variant: gan\nz_dim: 100\nbatch_size: 8\ndata_dim: 10\nmystery_knob: yes",     // unknown key
		"variant: gan\nz_dim: one hundred\nbatch_size: 8\ndata_dim: 10",                // bad int
	}
	for i, body := range cases {
		if _, err := loadFrom(t, body); err == nil {
			t.Fatalf("case %d: expected error for %q", i, body)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{Variant: VariantGAN, ZDim: 10, DataDim: 20, BatchSize: 4, Seed: 1}
	cfg.ApplyOverrides(Overrides{Variant: "wgan", BatchSize: 16, Seed: 9, OutDir: "runs/x"})
	if cfg.Variant != VariantWGAN || cfg.BatchSize != 16 || cfg.Seed != 9 || cfg.OutDir != "runs/x" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ZDim != 10 || cfg.DataDim != 20 {
		t.Fatalf("untouched fields changed: %+v", cfg)
	}
}
