// Package config defines the tunables shared by the sender, receiver, and
// relay, following the teacher's "defaults applied by a check method, panic
// on out-of-range" idiom, plus an environment-variable override layer for
// deployments that prefer config-as-env over config-as-code.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/pkg/errors"
)

// Transport holds the tunables common to the sender and the receiver.
// Check fills zero fields with defaults; sender.New and receiver.New call it
// on the Transport they are given, and LoadEnv calls it too.
type Transport struct {
	// WindowSize is "W": the number of in-flight, unacknowledged sequence
	// numbers the sender may have outstanding, and the number of
	// out-of-order sequence numbers the receiver may buffer.
	// The standard default is 100.
	WindowSize uint32 `env:"RDT_WINDOW_SIZE,default=100"`

	// Timeout bounds both the per-packet retransmit timer and the FIN
	// acknowledgement wait. The default is 8 seconds.
	Timeout time.Duration `env:"RDT_TIMEOUT,default=8s"`

	// MaxFinRetries is the number of FIN retransmissions attempted after
	// the initial FIN, before the sender gives up and tears down anyway.
	// LoadEnv defaults it to 5, for 6 FIN attempts total; Check leaves a
	// zero value as is, which means a single FIN attempt.
	MaxFinRetries uint `env:"RDT_MAX_FIN_RETRIES,default=5"`
}

// Check applies defaults for a zero WindowSize (100) and a zero Timeout
// (8s), and panics on a negative Timeout. MaxFinRetries is not defaulted.
func (c *Transport) Check() *Transport {
	if c.WindowSize == 0 {
		c.WindowSize = 100
	}
	if c.Timeout == 0 {
		c.Timeout = 8 * time.Second
	} else if c.Timeout < 0 {
		panic("config: Timeout must be positive")
	}
	return c
}

// LoadEnv reads environment overrides into a Transport seeded with
// defaults, then validates it.
func LoadEnv(ctx context.Context) (*Transport, error) {
	var c Transport
	if err := envconfig.Process(ctx, &c); err != nil {
		return nil, err
	}
	return c.Check(), nil
}

// Relay holds the fault-injection tunables for the intermediary.
type Relay struct {
	// DropProb is the independent per-datagram drop probability, applied
	// identically to both directions.
	DropProb float64 `env:"RDT_DROP_PROB,default=0" yaml:"dropProb"`

	// DelayMin and DelayMax bound the uniform artificial delay applied to
	// forwarded datagrams, in either direction.
	DelayMin time.Duration `env:"RDT_DELAY_MIN,default=0" yaml:"delayMin"`
	DelayMax time.Duration `env:"RDT_DELAY_MAX,default=0" yaml:"delayMax"`

	// CorruptProb is the probability (data direction only) that a
	// forwarded datagram's checksum is bumped by one, invalidating it.
	CorruptProb float64 `env:"RDT_CORRUPT_PROB,default=0" yaml:"corruptProb"`
}

// Check validates ranges and panics on an invalid configuration, mirroring
// the CLI's own argument validation (see cmd/rdtcat) for callers that build
// a Relay programmatically instead of through flags.
func (c *Relay) Check() *Relay {
	if c.DropProb < 0 || c.DropProb > 1 {
		panic("config: DropProb must be in [0, 1]")
	}
	if c.CorruptProb < 0 || c.CorruptProb > 1 {
		panic("config: CorruptProb must be in [0, 1]")
	}
	if c.DelayMin < 0 || c.DelayMax < c.DelayMin {
		panic("config: DelayRange must satisfy 0 <= min <= max")
	}
	return c
}

// LoadEnvRelay reads environment overrides into a Relay and validates it.
func LoadEnvRelay(ctx context.Context) (*Relay, error) {
	var c Relay
	if err := envconfig.Process(ctx, &c); err != nil {
		return nil, err
	}
	return c.Check(), nil
}

// LoadRelayYAML reads a fault-injection profile from a YAML file through
// fs, so tests can supply an in-memory afero.Fs instead of touching disk.
func LoadRelayYAML(fs afero.Fs, path string) (*Relay, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read relay profile %s", path)
	}

	var c Relay
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrapf(err, "config: parse relay profile %s", path)
	}
	return c.Check(), nil
}
