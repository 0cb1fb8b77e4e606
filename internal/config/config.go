package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Variant names one of the supported adversarial setups.
type Variant string

const (
	// VariantGAN is the MLP pair with sigmoid discriminator and log loss.
	VariantGAN Variant = "gan"
	// VariantWGAN is the MLP pair trained as a critic.
	VariantWGAN Variant = "wgan"
	// VariantSAGAN is the unconditional image pair with self-attention.
	VariantSAGAN Variant = "sagan"
	// VariantSNGAN is the conditional image pair with a projection
	// discriminator.
	VariantSNGAN Variant = "sngan"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Variant     Variant `yaml:"variant"`
	DataRoot    string  `yaml:"data_root"`
	OutDir      string  `yaml:"out_dir"`
	Resume      string  `yaml:"resume"`
	ZDim        int     `yaml:"z_dim"`
	CDim        int     `yaml:"c_dim"`
	ImgChannels int     `yaml:"img_channels"`
	DataDim     int     `yaml:"data_dim"`
	BatchSize   int     `yaml:"batch_size"`
	Epochs      int     `yaml:"epochs"`
	DIters      int     `yaml:"d_iters"`
	LR          float64 `yaml:"lr"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	SampleEvery int     `yaml:"sample_every"`
	LogEvery    int     `yaml:"log_every"`
	NumWorkers  int     `yaml:"num_workers"`
	Seed        int64   `yaml:"seed"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Variant   string
	DataRoot  string
	OutDir    string
	Resume    string
	BatchSize int
	Epochs    int
	Seed      int64
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Variant != "" {
		c.Variant = Variant(o.Variant)
	}
	if o.DataRoot != "" {
		c.DataRoot = o.DataRoot
	}
	if o.OutDir != "" {
		c.OutDir = o.OutDir
	}
	if o.Resume != "" {
		c.Resume = o.Resume
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
}

// Image reports whether the variant trains on images.
func (c *Config) Image() bool {
	return c.Variant == VariantSAGAN || c.Variant == VariantSNGAN
}

// Validate fills defaults and verifies the config is runnable. Every
// variant fails fast on the knobs it cannot run without.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DIters <= 0 {
		c.DIters = 1
	}
	if c.LR == 0 {
		c.LR = 0.0002
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.5
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.SampleEvery <= 0 {
		c.SampleEvery = 500
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.Epochs <= 0 {
		c.Epochs = 1
	}
	if c.OutDir == "" {
		c.OutDir = "out"
	}

	if c.ZDim <= 0 {
		return errors.Errorf("z_dim must be > 0 (got %d)", c.ZDim)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LR < 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return errors.Errorf("betas must lie in [0,1) (got %g, %g)", c.Beta1, c.Beta2)
	}

	switch c.Variant {
	case VariantGAN, VariantWGAN:
		if c.DataDim <= 0 {
			return errors.Errorf("%s: data_dim must be > 0 (got %d)", c.Variant, c.DataDim)
		}
		if c.CDim != 0 {
			return errors.Errorf("%s: conditioning is not supported (c_dim=%d)", c.Variant, c.CDim)
		}
	case VariantSAGAN:
		if err := c.validateImage(); err != nil {
			return err
		}
		if c.CDim != 0 {
			return errors.Errorf("sagan: conditioning is not supported (c_dim=%d)", c.CDim)
		}
	case VariantSNGAN:
		if err := c.validateImage(); err != nil {
			return err
		}
		if c.CDim <= 0 {
			return errors.Errorf("sngan: c_dim must be > 0 (got %d)", c.CDim)
		}
	case "":
		return errors.New("variant must be set")
	default:
		return errors.Errorf("unknown variant %q", c.Variant)
	}
	return nil
}

func (c *Config) validateImage() error {
	if c.ImgChannels != 1 && c.ImgChannels != 3 {
		return errors.Errorf("%s: img_channels must be 1 or 3 (got %d)", c.Variant, c.ImgChannels)
	}
	if c.DataRoot == "" {
		return errors.Errorf("%s: data_root must be set", c.Variant)
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := &Config{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("line %d: missing ':'", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")

		var err error
		switch key {
		case "variant":
			cfg.Variant = Variant(value)
		case "data_root":
			cfg.DataRoot = value
		case "out_dir":
			cfg.OutDir = value
		case "resume":
			cfg.Resume = value
		case "z_dim":
			cfg.ZDim, err = strconv.Atoi(value)
		case "c_dim":
			cfg.CDim, err = strconv.Atoi(value)
		case "img_channels":
			cfg.ImgChannels, err = strconv.Atoi(value)
		case "data_dim":
			cfg.DataDim, err = strconv.Atoi(value)
		case "batch_size":
			cfg.BatchSize, err = strconv.Atoi(value)
		case "epochs":
			cfg.Epochs, err = strconv.Atoi(value)
		case "d_iters":
			cfg.DIters, err = strconv.Atoi(value)
		case "lr":
			cfg.LR, err = strconv.ParseFloat(value, 64)
		case "beta1":
			cfg.Beta1, err = strconv.ParseFloat(value, 64)
		case "beta2":
			cfg.Beta2, err = strconv.ParseFloat(value, 64)
		case "sample_every":
			cfg.SampleEvery, err = strconv.Atoi(value)
		case "log_every":
			cfg.LogEvery, err = strconv.Atoi(value)
		case "num_workers":
			cfg.NumWorkers, err = strconv.Atoi(value)
		case "seed":
			cfg.Seed, err = strconv.ParseInt(value, 10, 64)
		default:
			return nil, errors.Errorf("line %d: unknown key %s", lineNo, key)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: %s", lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}
