// Package config provides configuration loading and management for wellplate.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"wellplate/internal/models"
	"wellplate/pkg/colormap"
)

// ChannelConfig is the display setting of one imaging channel
type ChannelConfig struct {
	// Name must match a channel of the imaging volume
	Name string `yaml:"name"`

	// Color is a "#rrggbb" hex string; empty keeps the volume's channel color
	Color string `yaml:"color,omitempty"`

	Enabled bool `yaml:"enabled"`
	Low     int  `yaml:"low"`
	High    int  `yaml:"high"`

	// Kind is "intensity" or "mask"
	Kind string `yaml:"kind,omitempty"`

	// MaskOf names the segmented channel a mask overlay draws
	MaskOf string `yaml:"maskOf,omitempty"`
}

// ErrUnknownExperiment is returned when a named experiment is not configured
var ErrUnknownExperiment = errors.New("unknown experiment")

// ExperimentConfig describes the inputs of one imaged plate
type ExperimentConfig struct {
	// Name keys the experiment in the result store and the server routes
	Name string `yaml:"name"`

	// VolumeDir is a directory of 16-bit TIFF planes with an experiment.yaml manifest
	VolumeDir string `yaml:"volumeDir"`

	// MetadataFile is the plate condition table (.csv or plate .xml)
	MetadataFile string `yaml:"metadataFile"`

	// CachedPlanes bounds the number of raw planes kept in memory
	CachedPlanes int `yaml:"cachedPlanes"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Experiments lists the plates this configuration serves; the first one
	// is used when no experiment is named
	Experiments []ExperimentConfig `yaml:"experiments"`

	// Storage parameters
	Storage struct {
		// Database is the SQLite file holding masks and analysis results
		Database string `yaml:"database"`
	} `yaml:"storage"`

	// Channels lists the per-channel display settings
	Channels []ChannelConfig `yaml:"channels"`

	// Analysis parameters
	Analysis struct {
		// CellChannel is the segmented channel whose mask defines the cells
		CellChannel string `yaml:"cellChannel"`

		// ScaffoldChannel decides which cells are signal-positive
		ScaffoldChannel string `yaml:"scaffoldChannel"`

		// EpiChannel is measured over the signal-positive cells
		EpiChannel string `yaml:"epiChannel"`

		// ThresholdFactor is the number of background standard deviations
		// a scaffold cell mean must exceed
		ThresholdFactor float64 `yaml:"thresholdFactor"`
	} `yaml:"analysis"`

	// Segmentation parameters
	Segmentation struct {
		// Method is "threshold" or "command"
		Method string `yaml:"method"`

		// Command and Args run an external segmentation program
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`

		// MinArea drops smaller components of the threshold method
		MinArea int `yaml:"minArea"`

		// SmoothSigma is the Gaussian pre-filter width in pixels, 0 disables it
		SmoothSigma float64 `yaml:"smoothSigma"`

		// NumCores specifies how many wells are segmented in parallel
		NumCores int `yaml:"numCores"`

		// Retries is the number of extra attempts for a failing well
		Retries int `yaml:"retries"`

		// Redo segments wells that already have a stored mask
		Redo bool `yaml:"redo"`
	} `yaml:"segmentation"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is "text" or "json"
		Format string `yaml:"format"`

		// File additionally writes the log to this path
		File string `yaml:"file"`
	} `yaml:"logging"`

	// Server parameters
	Server struct {
		Address string `yaml:"address"`

		// CachedLookups bounds the colorized planes kept by the viewer
		CachedLookups int `yaml:"cachedLookups"`

		// WatchMetadata reloads the metadata file when it changes
		WatchMetadata bool `yaml:"watchMetadata"`
	} `yaml:"server"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Experiments = []ExperimentConfig{
		{Name: "default", VolumeDir: "experiment", MetadataFile: "plate.csv", CachedPlanes: 64},
	}
	cfg.Storage.Database = "wellplate.db"

	cfg.Channels = []ChannelConfig{
		{Name: "Bright Field", Color: "#ffffff", Enabled: true, Low: 0, High: models.MaxIntensity},
		{Name: "365 nm", Color: "#0000ff", Enabled: true, Low: 0, High: models.MaxIntensity},
		{Name: "488 nm", Color: "#00ff00", Enabled: true, Low: 0, High: models.MaxIntensity},
		{Name: "561 nm", Color: "#ff0000", Enabled: true, Low: 0, High: models.MaxIntensity},
		{Name: "cells", Kind: "mask", MaskOf: "365 nm"},
	}

	cfg.Analysis.CellChannel = "365 nm"
	cfg.Analysis.ScaffoldChannel = "488 nm"
	cfg.Analysis.EpiChannel = "561 nm"
	cfg.Analysis.ThresholdFactor = 1.0

	cfg.Segmentation.Method = "threshold"
	cfg.Segmentation.MinArea = 20
	cfg.Segmentation.NumCores = runtime.NumCPU()
	cfg.Segmentation.Retries = 1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Server.Address = "127.0.0.1:8080"
	cfg.Server.CachedLookups = 16
	cfg.Server.WatchMetadata = true

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
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
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

// Validate checks the parameters that cannot be defaulted
func (c *Config) Validate() error {
	var errs []error

	if len(c.Experiments) == 0 {
		errs = append(errs, errors.New("no experiments configured"))
	}
	names := make(map[string]bool, len(c.Experiments))
	for i, exp := range c.Experiments {
		switch {
		case exp.Name == "":
			errs = append(errs, fmt.Errorf("experiment %d has no name", i))
		case strings.Contains(exp.Name, "/"):
			errs = append(errs, fmt.Errorf("experiment name %q must not contain '/'", exp.Name))
		case names[exp.Name]:
			errs = append(errs, fmt.Errorf("duplicate experiment %q", exp.Name))
		}
		names[exp.Name] = true
		if exp.VolumeDir == "" {
			errs = append(errs, fmt.Errorf("experiment %q has no volumeDir", exp.Name))
		}
	}
	if _, err := c.ChannelSettings(); err != nil {
		errs = append(errs, err)
	}
	if c.Analysis.ScaffoldChannel == "" || c.Analysis.EpiChannel == "" || c.Analysis.CellChannel == "" {
		errs = append(errs, errors.New("analysis needs cell, scaffold and epi channels"))
	}
	switch c.Segmentation.Method {
	case "threshold":
	case "command":
		if c.Segmentation.Command == "" {
			errs = append(errs, errors.New("segmentation method \"command\" needs a command"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown segmentation method %q", c.Segmentation.Method))
	}
	if c.Segmentation.SmoothSigma < 0 {
		errs = append(errs, errors.New("segmentation smoothSigma must not be negative"))
	}
	if c.Segmentation.Retries < 0 {
		errs = append(errs, errors.New("segmentation retries must not be negative"))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Experiment returns the named experiment, or the first one when name is empty
func (c *Config) Experiment(name string) (*ExperimentConfig, error) {
	if len(c.Experiments) == 0 {
		return nil, errors.New("no experiments configured")
	}
	if name == "" {
		return &c.Experiments[0], nil
	}
	for i := range c.Experiments {
		if c.Experiments[i].Name == name {
			return &c.Experiments[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownExperiment, name)
}

// ChannelSettings converts the channel entries into display records.
// Ranges are not validated here: an invalid range only disables its channel
// when compositing.
func (c *Config) ChannelSettings() ([]models.Channel, error) {
	out := make([]models.Channel, 0, len(c.Channels))
	seen := make(map[string]bool, len(c.Channels))
	for _, cc := range c.Channels {
		if cc.Name == "" {
			return nil, errors.New("channel entry without a name")
		}
		if seen[cc.Name] {
			return nil, fmt.Errorf("duplicate channel %q", cc.Name)
		}
		seen[cc.Name] = true

		kind, err := models.ParseChannelKind(cc.Kind)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", cc.Name, err)
		}
		ch := models.Channel{
			Name:    cc.Name,
			Enabled: cc.Enabled,
			Range:   models.DisplayRange{Low: cc.Low, High: cc.High},
			Kind:    kind,
			MaskOf:  cc.MaskOf,
		}
		if cc.Color != "" {
			if ch.Color, err = colormap.ParseHex(cc.Color); err != nil {
				return nil, fmt.Errorf("channel %q: %w", cc.Name, err)
			}
		}
		out = append(out, ch)
	}
	return out, nil
}

// ResolveColors fills channels without a configured color from the volume's
// channel table
func ResolveColors(channels []models.Channel, infos []models.ChannelInfo) []models.Channel {
	byName := make(map[string]models.RGB, len(infos))
	for _, info := range infos {
		byName[info.Name] = info.Color
	}
	out := append([]models.Channel(nil), channels...)
	for i := range out {
		if out[i].Color == (models.RGB{}) {
			if c, ok := byName[out[i].Name]; ok {
				out[i].Color = c
			}
		}
	}
	return out
}
