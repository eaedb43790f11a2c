// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package launch

import (
	"bytes"
	"io"
	"os"

	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/gomlx/zero/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TensorParallelMode1D is the only tensor-parallel mode supported: parameters split along one axis
// (rows or columns) across the tensor-parallel group.
const TensorParallelMode1D = "1d"

// Config is the launch configuration. It can be loaded from YAML, e.g.:
//
//	parallel:
//	  data: 2
//	  tensor:
//	    size: 2
//	    mode: 1d
type Config struct {
	Parallel ParallelConfig `yaml:"parallel"`
}

// ParallelConfig defines how the ranks of the world are organized.
type ParallelConfig struct {
	// Data is the data-parallel degree. If 0 it is inferred from the world size and the tensor-parallel size.
	Data int `yaml:"data"`

	// Tensor configures tensor parallelism.
	Tensor TensorConfig `yaml:"tensor"`
}

// TensorConfig configures tensor parallelism.
type TensorConfig struct {
	// Size is the tensor-parallel degree. If 0 it is inferred from the world size and the data-parallel degree,
	// and if both are 0 it is 1.
	Size int `yaml:"size"`

	// Mode of tensor parallelism: "" (none) or "1d".
	Mode string `yaml:"mode"`
}

// DefaultConfig returns a configuration with pure data parallelism.
func DefaultConfig() *Config {
	return &Config{}
}

// Validate the configuration. Errors wrap distributed.ErrConfiguration.
func (c *Config) Validate() error {
	p := c.Parallel
	if p.Data < 0 {
		return errors.Wrapf(distributed.ErrConfiguration, "parallel.data=%d must be >= 0", p.Data)
	}
	if p.Tensor.Size < 0 {
		return errors.Wrapf(distributed.ErrConfiguration, "parallel.tensor.size=%d must be >= 0", p.Tensor.Size)
	}
	switch p.Tensor.Mode {
	case "":
		if p.Tensor.Size > 1 {
			return errors.Wrapf(distributed.ErrConfiguration, "parallel.tensor.size=%d requires parallel.tensor.mode=%q",
				p.Tensor.Size, TensorParallelMode1D)
		}
	case TensorParallelMode1D:
	default:
		return errors.Wrapf(distributed.ErrConfiguration, "parallel.tensor.mode=%q not supported, only %q is",
			p.Tensor.Mode, TensorParallelMode1D)
	}
	return nil
}

// ParseConfig parses and validates a YAML configuration. Unknown fields are errors.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	// An empty document leaves the defaults.
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(distributed.ErrConfiguration, "parsing configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and validates a YAML configuration file.
// A leading "~" in path is replaced by the home directory.
func LoadConfig(path string) (*Config, error) {
	path, err := fsutil.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	if exists, err := fsutil.FileExists(path); err != nil {
		return nil, err
	} else if !exists {
		return nil, errors.Wrapf(distributed.ErrConfiguration, "configuration file %q not found", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration from %q", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return cfg, nil
}

// ConfigFromMap converts a configuration mapping, e.g.
// {"parallel": {"data": 2, "tensor": {"size": 2, "mode": "1d"}}}, to a validated Config.
func ConfigFromMap(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(distributed.ErrConfiguration, "invalid configuration mapping: %v", err)
	}
	return ParseConfig(data)
}
