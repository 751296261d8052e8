// Package config holds the startup configuration for packing and training runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DisplayProfile is a target monitor whose rendering transform a surrogate learns.
type DisplayProfile struct {
	ID         string `yaml:"id"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	ICCProfile string `yaml:"icc_profile"`
}

// StoreConfig locates the packed pair store.
type StoreConfig struct {
	Path      string `yaml:"path"`
	CacheSize int    `yaml:"cache_size"` // decoded pairs kept in memory, 0 disables
}

// SourceConfig locates the crawler output consumed by the pack command.
type SourceConfig struct {
	MetadataPath string `yaml:"metadata_path"`
	RenderedDir  string `yaml:"rendered_dir"`
	RawDir       string `yaml:"raw_dir"`
	Workers      int    `yaml:"workers"`
}

// TrainingConfig holds the hyperparameters shared by every profile.
type TrainingConfig struct {
	BatchSize     int     `yaml:"batch_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	Epochs        int     `yaml:"epochs"`
	CropSize      int     `yaml:"crop_size"`
	Perturbation  float64 `yaml:"perturbation"`
	NumWorkers    int     `yaml:"num_workers"`
	PrefetchDepth int     `yaml:"prefetch_depth"`
	Optimizer     string  `yaml:"optimizer"` // adam, sgd or rmsprop
	Scheduler     string  `yaml:"scheduler"`
	MinLR         float64 `yaml:"min_lr"`
	HiddenUnits   int     `yaml:"hidden_units"`
	Bottleneck    int     `yaml:"bottleneck"`
	Seed          int64   `yaml:"seed"` // 0 means nondeterministic
	ShowProgress  bool    `yaml:"show_progress"`
}

// CheckpointConfig controls where and how often training state is persisted.
type CheckpointConfig struct {
	Dir               string `yaml:"dir"`
	Format            string `yaml:"format"` // "json" or "proto"
	SaveInterval      int    `yaml:"save_interval"`
	MilestoneInterval int    `yaml:"milestone_interval"`
	MaxMilestones     int    `yaml:"max_milestones"` // 0 keeps all
	FallbackToFresh   bool   `yaml:"fallback_to_fresh"`
}

// ArchiveConfig mirrors milestone checkpoints off the local disk.
type ArchiveConfig struct {
	Driver    string `yaml:"driver"` // "", "fs" or "s3"
	Root      string `yaml:"root"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`

	// Static credentials; empty falls back to the default AWS chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig exposes prometheus metrics while training.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Config is the complete startup configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Source     SourceConfig     `yaml:"source"`
	Training   TrainingConfig   `yaml:"training"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
	Profiles   []DisplayProfile `yaml:"profiles"`

	// ShutdownGrace bounds how long the CLI waits for the metrics server to stop.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/pairs.db",
		},
		Source: SourceConfig{
			MetadataPath: "source_data/dataset_metadata.json",
			RenderedDir:  "source_data/screenshots",
			RawDir:       "source_data/screenshots_raw",
			Workers:      4,
		},
		Training: TrainingConfig{
			BatchSize:     16,
			LearningRate:  0.005,
			Epochs:        200,
			CropSize:      512,
			Perturbation:  0.02,
			NumWorkers:    4,
			PrefetchDepth: 3,
			Optimizer:     "adam",
			Scheduler:     "cosine",
			HiddenUnits:   32,
			Bottleneck:    16,
		},
		Checkpoint: CheckpointConfig{
			Dir:               "checkpoints",
			Format:            "json",
			SaveInterval:      1,
			MilestoneInterval: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Profiles: []DisplayProfile{
			{ID: "iMac_M1_24", Width: 4480, Height: 2520, ICCProfile: "Display P3.icc"},
			{ID: "Dell_S2722QC", Width: 3840, Height: 2160, ICCProfile: "sRGB_v4_ICC_preference.icc"},
		},
		ShutdownGrace: 5 * time.Second,
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Profile ids end up in store keys and file names.
var profileIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks the configuration for values that would fail later at runtime.
func (c Config) Validate() error {
	t := c.Training
	switch {
	case t.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalid, t.BatchSize)
	case t.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrInvalid, t.LearningRate)
	case t.Epochs <= 0:
		return fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalid, t.Epochs)
	case t.CropSize <= 0:
		return fmt.Errorf("%w: crop_size must be positive, got %d", ErrInvalid, t.CropSize)
	case t.Perturbation < 0 || t.Perturbation >= 1:
		return fmt.Errorf("%w: perturbation must be in [0, 1), got %g", ErrInvalid, t.Perturbation)
	case t.NumWorkers <= 0:
		return fmt.Errorf("%w: num_workers must be positive, got %d", ErrInvalid, t.NumWorkers)
	case t.HiddenUnits <= 0 || t.Bottleneck <= 0:
		return fmt.Errorf("%w: hidden_units and bottleneck must be positive", ErrInvalid)
	}
	switch t.Optimizer {
	case "adam", "sgd", "rmsprop":
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalid, t.Optimizer)
	}
	switch t.Scheduler {
	case "cosine", "step", "exponential", "plateau", "constant":
	default:
		return fmt.Errorf("%w: unknown scheduler %q", ErrInvalid, t.Scheduler)
	}

	ck := c.Checkpoint
	if ck.Dir == "" {
		return fmt.Errorf("%w: checkpoint.dir is required", ErrInvalid)
	}
	if ck.Format != "json" && ck.Format != "proto" {
		return fmt.Errorf("%w: checkpoint.format must be json or proto, got %q", ErrInvalid, ck.Format)
	}
	if ck.SaveInterval <= 0 {
		return fmt.Errorf("%w: checkpoint.save_interval must be positive, got %d", ErrInvalid, ck.SaveInterval)
	}
	if ck.MilestoneInterval < 0 || ck.MaxMilestones < 0 {
		return fmt.Errorf("%w: milestone settings must not be negative", ErrInvalid)
	}

	switch c.Archive.Driver {
	case "":
	case "fs":
		if c.Archive.Root == "" {
			return fmt.Errorf("%w: archive.root is required for the fs driver", ErrInvalid)
		}
	case "s3":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("%w: archive.bucket is required for the s3 driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown archive driver %q", ErrInvalid, c.Archive.Driver)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrInvalid)
	}
	if len(c.Profiles) == 0 {
		return fmt.Errorf("%w: at least one profile is required", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		if !profileIDPattern.MatchString(p.ID) {
			return fmt.Errorf("%w: malformed profile id %q", ErrInvalid, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate profile id %q", ErrInvalid, p.ID)
		}
		seen[p.ID] = true
		if p.Width > 0 && p.Height > 0 && (p.Width < t.CropSize || p.Height < t.CropSize) {
			return fmt.Errorf("%w: crop_size %d exceeds %s resolution %dx%d",
				ErrInvalid, t.CropSize, p.ID, p.Width, p.Height)
		}
	}
	return nil
}

// Profile looks up a profile by id.
func (c Config) Profile(id string) (DisplayProfile, bool) {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return DisplayProfile{}, false
}

// ProfileIDs returns the configured profile ids in order.
func (c Config) ProfileIDs() []string {
	ids := make([]string, len(c.Profiles))
	for i, p := range c.Profiles {
		ids[i] = p.ID
	}
	return ids
}
