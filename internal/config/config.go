package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dreamware/halo/internal/pattern"
	"github.com/dreamware/halo/internal/shard"
)

// Environment variables read by ApplyEnv
const (
	EnvStrategy        = "HALO_STRATEGY"
	EnvContinuousIndex = "HALO_CONTINUOUS_INDEX"
	EnvLogLevel        = "HALO_LOG_LEVEL"
	EnvLogFormat       = "HALO_LOG_FORMAT"
	EnvCoordinator     = "HALO_COORDINATOR"
	EnvListen          = "HALO_LISTEN"
	EnvPublic          = "HALO_PUBLIC"
	EnvRanks           = "HALO_RANKS"
	EnvJob             = "HALO_JOB"
	EnvCells           = "HALO_CELLS"
	EnvIterations      = "HALO_ITERATIONS"
)

// Config is the complete configuration of a halo process
type Config struct {
	Array   ArrayConfig
	Log     LogConfig
	Cluster ClusterConfig
	Mesh    MeshConfig
}

// ArrayConfig tunes the distributed array
type ArrayConfig struct {
	Strategy        string // broadcast-all, owner-broadcast or alltoall
	ContinuousIndex string // ring or broadcast
	InitialCapacity int
	Indexed         bool
	VerifyPattern   bool
}

// LogConfig selects log level and output format
type LogConfig struct {
	Level  string // trace, debug, info, warn, error or disabled
	Format string // console or json
}

// ClusterConfig locates the coordinator and this node
type ClusterConfig struct {
	Coordinator    string
	Listen         string
	Public         string // address peers use to reach this node; derived from Listen when empty
	Job            string
	Ranks          int
	HealthInterval time.Duration
}

// MeshConfig sizes the diffusion demo
type MeshConfig struct {
	Cells      int
	Iterations int
	Width      float64
	Alpha      float64
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Array: ArrayConfig{
			Strategy:        pattern.AllToAll.String(),
			ContinuousIndex: string(shard.IndexRing),
			Indexed:         true,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Cluster: ClusterConfig{
			Coordinator:    "http://127.0.0.1:8080",
			Listen:         ":8081",
			Ranks:          2,
			HealthInterval: 5 * time.Second,
		},
		Mesh: MeshConfig{Cells: 64, Iterations: 100, Width: 1, Alpha: 0.25},
	}
}

type fileConfig struct {
	Array struct {
		Strategy        string `toml:"strategy"`
		ContinuousIndex string `toml:"continuous_index"`
		InitialCapacity int    `toml:"initial_capacity"`
		Indexed         bool   `toml:"indexed"`
		VerifyPattern   bool   `toml:"verify_pattern"`
	} `toml:"array"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Cluster struct {
		Coordinator    string `toml:"coordinator"`
		Listen         string `toml:"listen"`
		Public         string `toml:"public"`
		Job            string `toml:"job"`
		Ranks          int    `toml:"ranks"`
		HealthInterval string `toml:"health_interval"`
	} `toml:"cluster"`
	Mesh struct {
		Cells      int     `toml:"cells"`
		Iterations int     `toml:"iterations"`
		Width      float64 `toml:"width"`
		Alpha      float64 `toml:"alpha"`
	} `toml:"mesh"`
}

// Load reads path over Default. Keys missing from the file keep their
// default values. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("array", "strategy") {
		cfg.Array.Strategy = strings.TrimSpace(raw.Array.Strategy)
	}
	if meta.IsDefined("array", "continuous_index") {
		cfg.Array.ContinuousIndex = strings.TrimSpace(raw.Array.ContinuousIndex)
	}
	if meta.IsDefined("array", "initial_capacity") {
		cfg.Array.InitialCapacity = raw.Array.InitialCapacity
	}
	if meta.IsDefined("array", "indexed") {
		cfg.Array.Indexed = raw.Array.Indexed
	}
	if meta.IsDefined("array", "verify_pattern") {
		cfg.Array.VerifyPattern = raw.Array.VerifyPattern
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}

	if meta.IsDefined("cluster", "coordinator") {
		cfg.Cluster.Coordinator = strings.TrimSpace(raw.Cluster.Coordinator)
	}
	if meta.IsDefined("cluster", "listen") {
		cfg.Cluster.Listen = strings.TrimSpace(raw.Cluster.Listen)
	}
	if meta.IsDefined("cluster", "public") {
		cfg.Cluster.Public = strings.TrimSpace(raw.Cluster.Public)
	}
	if meta.IsDefined("cluster", "job") {
		cfg.Cluster.Job = strings.TrimSpace(raw.Cluster.Job)
	}
	if meta.IsDefined("cluster", "ranks") {
		cfg.Cluster.Ranks = raw.Cluster.Ranks
	}
	if meta.IsDefined("cluster", "health_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Cluster.HealthInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse health_interval: %w", err)
		}
		cfg.Cluster.HealthInterval = d
	}

	if meta.IsDefined("mesh", "cells") {
		cfg.Mesh.Cells = raw.Mesh.Cells
	}
	if meta.IsDefined("mesh", "iterations") {
		cfg.Mesh.Iterations = raw.Mesh.Iterations
	}
	if meta.IsDefined("mesh", "width") {
		cfg.Mesh.Width = raw.Mesh.Width
	}
	if meta.IsDefined("mesh", "alpha") {
		cfg.Mesh.Alpha = raw.Mesh.Alpha
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with the HALO_* variables that are set
func ApplyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str(EnvStrategy, &cfg.Array.Strategy)
	str(EnvContinuousIndex, &cfg.Array.ContinuousIndex)
	str(EnvLogLevel, &cfg.Log.Level)
	str(EnvLogFormat, &cfg.Log.Format)
	str(EnvCoordinator, &cfg.Cluster.Coordinator)
	str(EnvListen, &cfg.Cluster.Listen)
	str(EnvPublic, &cfg.Cluster.Public)
	str(EnvJob, &cfg.Cluster.Job)

	return errors.Join(
		num(EnvRanks, &cfg.Cluster.Ranks),
		num(EnvCells, &cfg.Mesh.Cells),
		num(EnvIterations, &cfg.Mesh.Iterations),
	)
}

// Validate checks every section and reports all problems at once
func (c Config) Validate() error {
	var errs []error
	if _, err := pattern.ParseStrategy(c.Array.Strategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := shard.ParseIndexMode(c.Array.ContinuousIndex); err != nil {
		errs = append(errs, err)
	}
	if c.Array.InitialCapacity < 0 {
		errs = append(errs, fmt.Errorf("initial_capacity must not be negative, got %d", c.Array.InitialCapacity))
	}
	if _, ok := ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Cluster.Ranks < 1 {
		errs = append(errs, fmt.Errorf("ranks must be positive, got %d", c.Cluster.Ranks))
	}
	if c.Cluster.HealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("health_interval must be positive, got %v", c.Cluster.HealthInterval))
	}
	if c.Mesh.Cells < c.Cluster.Ranks {
		errs = append(errs, fmt.Errorf("mesh needs at least one cell per rank: %d cells for %d ranks", c.Mesh.Cells, c.Cluster.Ranks))
	}
	if c.Mesh.Iterations < 0 {
		errs = append(errs, fmt.Errorf("iterations must not be negative, got %d", c.Mesh.Iterations))
	}
	if c.Mesh.Width <= 0 {
		errs = append(errs, fmt.Errorf("width must be positive, got %v", c.Mesh.Width))
	}
	// explicit scheme is unstable beyond one half
	if c.Mesh.Alpha <= 0 || c.Mesh.Alpha > 0.5 {
		errs = append(errs, fmt.Errorf("alpha must be in (0, 0.5], got %v", c.Mesh.Alpha))
	}
	return errors.Join(errs...)
}

// Resolve loads path and applies the environment on top
func Resolve(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
