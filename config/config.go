// Package config loads buffer manager settings from YAML or JSON-with-comments
// files.
//
// Sizes are human-readable ("256MiB", "2 MB"), durations use Go syntax
// ("500ms") and usages use the bufcache flag names ("cpu_write|gpu_read").
// Fields missing from a file keep their [Default] values.
//
//	cache:
//	  max_size: 64MiB
//	  timeout: 1s
//	slab:
//	  heaps: [gpu_read|gpu_write, cpu_write|gpu_read]
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v2"

	"github.com/gogpu/bufcache"
	"github.com/gogpu/bufcache/backend/halbuf"
	"github.com/gogpu/bufcache/cache"
	"github.com/gogpu/bufcache/slab"
)

// Errors returned by this package.
var (
	// ErrUnknownFormat is returned for file extensions other than
	// .yaml, .yml, .json, .jsonc and .hujson.
	ErrUnknownFormat = errors.New("config: unknown format")

	// ErrInvalid is returned when a value cannot be converted.
	ErrInvalid = errors.New("config: invalid value")
)

// Format selects the file syntax.
type Format string

const (
	// FormatYAML is YAML 1.1.
	FormatYAML Format = "yaml"
	// FormatJSONC is JSON with comments and trailing commas.
	FormatJSONC Format = "jsonc"
)

// FormatFor returns the format implied by a file name's extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc", ".hujson":
		return FormatJSONC, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, path)
	}
}

// Config is the complete configuration of a buffer manager stack.
type Config struct {
	Device DeviceConfig `yaml:"device" json:"device"`
	Cache  CacheConfig  `yaml:"cache" json:"cache"`
	Slab   SlabConfig   `yaml:"slab" json:"slab"`

	// ReclaimInterval is the background reclaim period; empty disables it.
	ReclaimInterval string `yaml:"reclaim_interval" json:"reclaim_interval"`
}

// DeviceConfig configures the device memory manager.
type DeviceConfig struct {
	Budget     string `yaml:"budget" json:"budget"`
	MapTimeout string `yaml:"map_timeout" json:"map_timeout"`
	Label      string `yaml:"label" json:"label"`
}

// CacheConfig configures the buffer cache.
type CacheConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Heaps       int     `yaml:"heaps" json:"heaps"`
	Timeout     string  `yaml:"timeout" json:"timeout"`
	SizeFactor  float64 `yaml:"size_factor" json:"size_factor"`
	BypassUsage string  `yaml:"bypass_usage" json:"bypass_usage"`
	MaxSize     string  `yaml:"max_size" json:"max_size"`
}

// SlabConfig configures slab sub-allocation.
type SlabConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	MinOrder          int      `yaml:"min_order" json:"min_order"`
	NumOrders         int      `yaml:"num_orders" json:"num_orders"`
	ThreeFourths      bool     `yaml:"three_fourths" json:"three_fourths"`
	MaxFailedReclaims int      `yaml:"max_failed_reclaims" json:"max_failed_reclaims"`
	SlabSize          string   `yaml:"slab_size" json:"slab_size"`
	Heaps             []string `yaml:"heaps" json:"heaps"`
}

// Default returns the built-in configuration: a cache and slabs over a
// 256 MiB device budget, reclaimed every 100ms.
func Default() Config {
	sc := halbuf.DefaultSlabConfig()
	heaps := make([]string, len(sc.HeapUsage))
	for i, u := range sc.HeapUsage {
		heaps[i] = u.String()
	}
	return Config{
		Device: DeviceConfig{
			Budget:     humanize.IBytes(halbuf.DefaultBudget),
			MapTimeout: halbuf.DefaultMapTimeout.String(),
		},
		Cache: CacheConfig{
			Enabled:    true,
			Heaps:      len(heaps),
			Timeout:    cache.DefaultTimeout.String(),
			SizeFactor: cache.DefaultSizeFactor,
			MaxSize:    humanize.IBytes(cache.DefaultMaxSize),
		},
		Slab: SlabConfig{
			Enabled:           true,
			MinOrder:          sc.Slab.MinOrder,
			NumOrders:         sc.Slab.NumOrders,
			ThreeFourths:      sc.Slab.AllowThreeFourths,
			MaxFailedReclaims: slab.DefaultMaxFailedReclaims,
			SlabSize:          humanize.IBytes(sc.SlabSize),
			Heaps:             heaps,
		},
		ReclaimInterval: halbuf.DefaultReclaimInterval.String(),
	}
}

// Load reads and validates the file at path. The format follows the
// file extension.
func Load(path string) (Config, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default and validates the result.
func Parse(data []byte, format Format) (Config, error) {
	cfg := Default()
	switch format {
	case FormatYAML:
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("invalid YAML: %w", err)
		}
	case FormatJSONC:
		std, err := hujson.Standardize(data)
		if err != nil {
			return Config{}, fmt.Errorf("invalid JSONC: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(std))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("invalid JSON: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes c to path in the format implied by its extension.
// The file is replaced atomically.
func (c Config) Save(path string) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	var data []byte
	if format == FormatYAML {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks that every value converts and that the cache and slab
// layouts agree.
func (c Config) Validate() error {
	if _, err := c.DeviceConfig(); err != nil {
		return err
	}
	if _, err := c.ReclaimEvery(); err != nil {
		return err
	}
	cc, err := c.CacheConfig()
	if err != nil {
		return err
	}
	if !c.Slab.Enabled {
		return nil
	}
	sc, err := c.SlabConfig()
	if err != nil {
		return err
	}
	if c.Cache.Enabled && cc.Heaps < len(sc.HeapUsage) {
		return fmt.Errorf("%w: cache.heaps %d is below the %d slab heaps", ErrInvalid, cc.Heaps, len(sc.HeapUsage))
	}
	return nil
}

// DeviceConfig converts the device section.
func (c Config) DeviceConfig() (halbuf.Config, error) {
	budget, err := parseBytes("device.budget", c.Device.Budget)
	if err != nil {
		return halbuf.Config{}, err
	}
	timeout, err := parseDuration("device.map_timeout", c.Device.MapTimeout)
	if err != nil {
		return halbuf.Config{}, err
	}
	return halbuf.Config{Budget: budget, MapTimeout: timeout, Label: c.Device.Label}, nil
}

// CacheConfig converts the cache section.
func (c Config) CacheConfig() (cache.Config, error) {
	s := c.Cache
	if s.Heaps < 0 {
		return cache.Config{}, fmt.Errorf("%w: cache.heaps %d", ErrInvalid, s.Heaps)
	}
	if s.SizeFactor < 1 {
		return cache.Config{}, fmt.Errorf("%w: cache.size_factor %g is below 1", ErrInvalid, s.SizeFactor)
	}
	timeout, err := parseDuration("cache.timeout", s.Timeout)
	if err != nil {
		return cache.Config{}, err
	}
	if timeout <= 0 {
		return cache.Config{}, fmt.Errorf("%w: cache.timeout %q must be positive", ErrInvalid, s.Timeout)
	}
	maxSize, err := parseBytes("cache.max_size", s.MaxSize)
	if err != nil {
		return cache.Config{}, err
	}
	if maxSize == 0 {
		return cache.Config{}, fmt.Errorf("%w: cache.max_size %q must be positive", ErrInvalid, s.MaxSize)
	}
	bypass, err := bufcache.ParseUsage(s.BypassUsage)
	if err != nil {
		return cache.Config{}, fmt.Errorf("%w: cache.bypass_usage: %w", ErrInvalid, err)
	}
	return cache.Config{
		Heaps:       s.Heaps,
		Timeout:     timeout,
		SizeFactor:  s.SizeFactor,
		BypassUsage: bypass,
		MaxSize:     maxSize,
	}, nil
}

// SlabConfig converts the slab section.
func (c Config) SlabConfig() (halbuf.SlabConfig, error) {
	s := c.Slab
	size, err := parseBytes("slab.slab_size", s.SlabSize)
	if err != nil {
		return halbuf.SlabConfig{}, err
	}
	if len(s.Heaps) == 0 {
		return halbuf.SlabConfig{}, fmt.Errorf("%w: slab.heaps is empty", ErrInvalid)
	}
	heaps := make([]bufcache.Usage, len(s.Heaps))
	for i, name := range s.Heaps {
		heaps[i], err = bufcache.ParseUsage(name)
		if err != nil {
			return halbuf.SlabConfig{}, fmt.Errorf("%w: slab.heaps[%d]: %w", ErrInvalid, i, err)
		}
	}
	if s.MinOrder < 0 || s.NumOrders <= 0 || s.MinOrder+s.NumOrders > 63 {
		return halbuf.SlabConfig{}, fmt.Errorf("%w: slab orders %d+%d", ErrInvalid, s.MinOrder, s.NumOrders)
	}
	if largest := uint64(1) << (s.MinOrder + s.NumOrders - 1); size < largest {
		return halbuf.SlabConfig{}, fmt.Errorf("%w: slab.slab_size %s is below the largest entry %s",
			ErrInvalid, humanize.IBytes(size), humanize.IBytes(largest))
	}
	return halbuf.SlabConfig{
		Slab: slab.Config{
			MinOrder:          s.MinOrder,
			NumOrders:         s.NumOrders,
			AllowThreeFourths: s.ThreeFourths,
			MaxFailedReclaims: s.MaxFailedReclaims,
		},
		SlabSize:  size,
		HeapUsage: heaps,
	}, nil
}

// ReclaimEvery returns the background reclaim period, zero if disabled.
func (c Config) ReclaimEvery() (time.Duration, error) {
	return parseDuration("reclaim_interval", c.ReclaimInterval)
}

func parseBytes(field, s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, field, err)
	}
	return n, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalid, field)
	}
	return d, nil
}
