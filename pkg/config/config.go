// Package config provides configuration loading and management for tomobackproject.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"tomobackproject/internal/models"
	"tomobackproject/pkg/fsc"
	"tomobackproject/pkg/metadata"
	"tomobackproject/pkg/reconstruction"
	"tomobackproject/pkg/weighting"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reconstruction parameters
	Reconstruction struct {
		// Workers is the number of goroutines accumulating each half set
		Workers int `yaml:"workers"`

		// FSCThreshold is the correlation the resolution is read off at
		FSCThreshold float64 `yaml:"fscThreshold"`

		// LowpassAngstrom overrides the FSC resolution as lowpass target; 0 keeps it
		LowpassAngstrom float64 `yaml:"lowpassAngstrom"`

		// LowpassEdge is the raised-cosine edge width in shells
		LowpassEdge float64 `yaml:"lowpassEdge"`

		// UnresolvedPolicy is "highest" or "lowest"
		UnresolvedPolicy string `yaml:"unresolvedPolicy"`

		// PreviewBox Fourier-crops the images to a smaller box; 0 disables
		PreviewBox int `yaml:"previewBox"`
	} `yaml:"reconstruction"`

	// Frequency weighting of the tilt images; both are off by default
	Weighting struct {
		Dose bool `yaml:"dose"`
		Tilt bool `yaml:"tilt"`
	} `yaml:"weighting"`

	// FSC mask parameters
	FSCMask struct {
		// Kind is "soft", "sphere" or "none"
		Kind string `yaml:"kind"`

		// Inner and Outer bound the sphere edge as fractions of half the box
		Inner float64 `yaml:"inner"`
		Outer float64 `yaml:"outer"`

		// Dilation and Edge are the soft mask widths in Angstrom
		Dilation float64 `yaml:"dilation"`
		Edge     float64 `yaml:"edge"`
	} `yaml:"fscMask"`

	// Input data selection
	Data struct {
		// Invert multiplies the images by -1 before transforming
		Invert bool `yaml:"invert"`

		// ImageIndices and ParticleIndices restrict the table to 0-based rows
		// and particles; empty keeps all
		ImageIndices    []int `yaml:"imageIndices,omitempty"`
		ParticleIndices []int `yaml:"particleIndices,omitempty"`

		FirstNTilts     int   `yaml:"firstNTilts"`
		FirstNParticles int   `yaml:"firstNParticles"`
		SortByDose      bool  `yaml:"sortByDose"`
		SortRandom      bool  `yaml:"sortRandom"`
		SortSeed        int64 `yaml:"sortSeed"`

		// SplitSeed seeds the half-set assignment of unlabeled particles
		SplitSeed int64 `yaml:"splitSeed"`
	} `yaml:"data"`

	// Output parameters
	Output struct {
		// Flip mirrors the maps along z
		Flip bool `yaml:"flip"`

		// Invert multiplies the maps by -1
		Invert bool `yaml:"invert"`

		// Plots writes the FSC curve as an image
		Plots bool `yaml:"plots"`

		// Previews writes central sections of the maps
		Previews bool `yaml:"previews"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Reconstruction.Workers = runtime.NumCPU()
	cfg.Reconstruction.FSCThreshold = fsc.DefaultThreshold
	cfg.Reconstruction.UnresolvedPolicy = fsc.PolicyHighestShell.String()

	mask := fsc.DefaultMaskOptions()
	cfg.FSCMask.Kind = mask.Kind.String()
	cfg.FSCMask.Inner = mask.Inner
	cfg.FSCMask.Outer = mask.Outer
	cfg.FSCMask.Dilation = mask.Dilation
	cfg.FSCMask.Edge = mask.Edge

	cfg.Data.Invert = true
	cfg.Data.SplitSeed = 1
	cfg.Data.SortSeed = 1

	cfg.Output.Plots = true
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: error parsing config file: %v", models.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the values that do not depend on the dataset. Box-size
// dependent checks happen when the reconstructor is built.
func (c *Config) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	return c.Filter().Validate()
}

// Params converts the configuration into reconstruction parameters.
func (c *Config) Params() (reconstruction.Params, error) {
	policy, err := fsc.ParsePolicy(c.Reconstruction.UnresolvedPolicy)
	if err != nil {
		return reconstruction.Params{}, err
	}
	kind, err := fsc.ParseMaskKind(c.FSCMask.Kind)
	if err != nil {
		return reconstruction.Params{}, err
	}

	p := reconstruction.Params{
		Workers:           c.Reconstruction.Workers,
		FSCThreshold:      c.Reconstruction.FSCThreshold,
		Unresolved:        policy,
		LowpassResolution: c.Reconstruction.LowpassAngstrom,
		LowpassEdge:       c.Reconstruction.LowpassEdge,
		PreviewBox:        c.Reconstruction.PreviewBox,
		Flip:              c.Output.Flip,
		Invert:            c.Output.Invert,
		Mask: fsc.MaskOptions{
			Kind:     kind,
			Inner:    c.FSCMask.Inner,
			Outer:    c.FSCMask.Outer,
			Dilation: c.FSCMask.Dilation,
			Edge:     c.FSCMask.Edge,
		},
	}
	if p.Workers < 1 {
		return p, fmt.Errorf("%w: workers must be at least 1, got %d", models.ErrConfiguration, p.Workers)
	}
	if p.FSCThreshold <= 0 || p.FSCThreshold >= 1 {
		return p, fmt.Errorf("%w: FSC threshold %v must lie in (0, 1)", models.ErrConfiguration, p.FSCThreshold)
	}
	if p.PreviewBox < 0 {
		return p, fmt.Errorf("%w: preview box must be non-negative", models.ErrConfiguration)
	}
	if err := p.Mask.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// AdapterOptions returns the image preparation options.
func (c *Config) AdapterOptions() metadata.AdapterOptions {
	return metadata.AdapterOptions{
		Invert: c.Data.Invert,
		Weighting: weighting.Options{
			Dose: c.Weighting.Dose,
			Tilt: c.Weighting.Tilt,
		},
	}
}

// Filter returns the record selection.
func (c *Config) Filter() metadata.Filter {
	f := metadata.Filter{
		FirstNTilts:     c.Data.FirstNTilts,
		FirstNParticles: c.Data.FirstNParticles,
		SortByDose:      c.Data.SortByDose,
		SortRandom:      c.Data.SortRandom,
		SortSeed:        c.Data.SortSeed,
	}
	if len(c.Data.ImageIndices) > 0 {
		f.ImageIndices = c.Data.ImageIndices
	}
	if len(c.Data.ParticleIndices) > 0 {
		f.ParticleIndices = c.Data.ParticleIndices
	}
	return f
}

// Products returns the optional output selection.
func (c *Config) Products() reconstruction.ProductOptions {
	return reconstruction.ProductOptions{
		Plots:    c.Output.Plots,
		Previews: c.Output.Previews,
	}
}
