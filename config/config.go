// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads viosock settings from YAML.
package config

import (
	"fmt"
	"math/bits"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportLoopback = "loopback"
	TransportVsock    = "vsock"
)

type Config struct {
	Engine    Engine    `yaml:"engine"`
	Transport Transport `yaml:"transport"`
	Metrics   Metrics   `yaml:"metrics"`
}

type Engine struct {
	ListenBacklog uint32    `yaml:"listen_backlog"`
	SegmentSize   int       `yaml:"segment_size"`
	CloseTimeout  Duration  `yaml:"close_timeout"`
	WorkQueue     WorkQueue `yaml:"work_queue"`
}

// WorkQueue sizes the deferred work queue. Zero workers selects
// free-standing work items.
type WorkQueue struct {
	Workers  int `yaml:"workers"`
	Capacity int `yaml:"capacity"`
}

type Transport struct {
	Kind string `yaml:"kind"` // loopback/vsock
	CID  uint32 `yaml:"cid"`
	Port uint32 `yaml:"port"`
}

type Metrics struct {
	Address string `yaml:"address"`
}

type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Engine: Engine{
			ListenBacklog: 128,
			SegmentSize:   64 << 10,
			WorkQueue: WorkQueue{
				Workers:  2,
				Capacity: 64,
			},
		},
		Transport: Transport{
			Kind: TransportLoopback,
			CID:  3,
			Port: 1024,
		},
		Metrics: Metrics{
			Address: ":9464",
		},
	}
}

// Parse overlays b onto the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and rounds the work queue capacity up to a
// power of two.
func (c *Config) Validate() error {
	e := &c.Engine
	if e.ListenBacklog == 0 {
		return fmt.Errorf("engine.listen_backlog must be positive")
	}
	if e.SegmentSize <= 0 {
		return fmt.Errorf("engine.segment_size must be positive, got %d", e.SegmentSize)
	}
	if e.CloseTimeout.Duration < 0 {
		return fmt.Errorf("engine.close_timeout must not be negative")
	}
	if e.WorkQueue.Workers < 0 {
		return fmt.Errorf("engine.work_queue.workers must not be negative")
	}
	if e.WorkQueue.Workers > 0 {
		if e.WorkQueue.Capacity < 2 {
			return fmt.Errorf("engine.work_queue.capacity must be at least 2, got %d", e.WorkQueue.Capacity)
		}
		e.WorkQueue.Capacity = CeilPow2(e.WorkQueue.Capacity)
	}
	switch c.Transport.Kind {
	case TransportLoopback, TransportVsock:
	default:
		return fmt.Errorf("transport.kind: unknown %q", c.Transport.Kind)
	}
	return nil
}

// CeilPow2 rounds n up to a power of two.
func CeilPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
