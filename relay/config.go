package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a Relay. Zero fields fall back to the defaults.
type Config struct {
	// PollInterval is the pause after an iteration that moved no bytes.
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxPollInterval caps the idle backoff. Equal to PollInterval means no backoff.
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	BufferSize      int           `yaml:"buffer_size"`
	ProbeKind       ProbeKind     `yaml:"probe"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		BufferSize:   DefaultBufferSize,
	}
}

func (c Config) merge(o Config) Config {
	if o.PollInterval > 0 {
		c.PollInterval = o.PollInterval
	}
	if o.MaxPollInterval > 0 {
		c.MaxPollInterval = o.MaxPollInterval
	}
	if o.BufferSize > 0 {
		c.BufferSize = o.BufferSize
	}
	if o.ProbeKind != ProbeKindDefault {
		c.ProbeKind = o.ProbeKind
	}
	return c
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// DecodeConfig reads a YAML relay config. Unknown keys are rejected.
func DecodeConfig(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding relay config: %w", err)
	}
	if c.PollInterval < 0 || c.MaxPollInterval < 0 || c.BufferSize < 0 {
		return Config{}, fmt.Errorf("decoding relay config: negative values are not allowed")
	}
	return c, nil
}

// LoadConfig reads a YAML relay config from path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading relay config: %w", err)
	}
	return DecodeConfig(bytes.NewReader(b))
}
