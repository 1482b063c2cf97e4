// Package config loads the server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/entitystore/internal/core/models"
	"github.com/zeusync/entitystore/internal/core/observability/log"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log         LogConfig         `yaml:"log"`
	World       WorldConfig       `yaml:"world"`
	Replication ReplicationConfig `yaml:"replication"`
	Entities    []EntityConfig    `yaml:"entities,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type WorldConfig struct {
	Name string `yaml:"name"`
	// TickInterval is how often systems run; zero disables ticking.
	TickInterval time.Duration `yaml:"tick_interval"`
}

type ReplicationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IncludeLocal  bool          `yaml:"include_local"`
}

// EntityConfig seeds one entity at startup.
type EntityConfig struct {
	ID         string            `yaml:"id"`
	Tags       []string          `yaml:"tags,omitempty"`
	AutoUpdate bool              `yaml:"auto_update"`
	Components []ComponentConfig `yaml:"components,omitempty"`
}

type ComponentConfig struct {
	Name   string         `yaml:"name"`
	Local  bool           `yaml:"local"`
	Values map[string]any `yaml:"values,omitempty"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		World: WorldConfig{
			Name:         "default",
			TickInterval: 50 * time.Millisecond,
		},
		Replication: ReplicationConfig{
			Enabled:       true,
			Addr:          ":8080",
			Path:          "/ws",
			FlushInterval: 50 * time.Millisecond,
			WriteTimeout:  time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads YAML from r over the defaults and validates the result.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.World.Name) == "" {
		errs = append(errs, errors.New("world.name is required"))
	}
	if c.World.TickInterval < 0 {
		errs = append(errs, errors.New("world.tick_interval must not be negative"))
	}
	if c.Replication.Enabled {
		if c.Replication.Addr == "" {
			errs = append(errs, errors.New("replication.addr is required"))
		}
		if !strings.HasPrefix(c.Replication.Path, "/") {
			errs = append(errs, errors.New("replication.path must start with /"))
		}
		if c.Replication.FlushInterval <= 0 {
			errs = append(errs, errors.New("replication.flush_interval must be positive"))
		}
	}

	seen := make(map[string]struct{}, len(c.Entities))
	for i, e := range c.Entities {
		if e.ID == "" {
			errs = append(errs, fmt.Errorf("entities[%d]: id is required", i))
			continue
		}
		if _, dup := seen[e.ID]; dup {
			errs = append(errs, fmt.Errorf("entities[%d]: duplicate id %q", i, e.ID))
		}
		seen[e.ID] = struct{}{}
		for j, comp := range e.Components {
			if comp.Name == "" {
				errs = append(errs, fmt.Errorf("entities[%d].components[%d]: name is required", i, j))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LogLevel is the parsed log level; Validate has already rejected bad input.
func (c *Config) LogLevel() log.Level {
	level, _ := log.ParseLevel(c.Log.Level)
	return level
}

// SeedEntities builds the configured entities as views ready for Put.
func (c *Config) SeedEntities() []*models.Entity {
	out := make([]*models.Entity, 0, len(c.Entities))
	for _, ec := range c.Entities {
		e := models.NewEntity(models.EntityID(ec.ID), ec.AutoUpdate, ec.Tags...)
		for _, comp := range ec.Components {
			if comp.Local {
				e.WithLocal(models.ComponentName(comp.Name), comp.Values)
			} else {
				e.With(models.ComponentName(comp.Name), comp.Values)
			}
		}
		out = append(out, e)
	}
	return out
}
