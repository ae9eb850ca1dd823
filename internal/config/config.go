// Package config centralizes runtime configuration for the event builder
// core: the parameters the reference build took as compile-time constants
// plus command-line flags (duration, pool depths, contract membership,
// fabric endpoints), now layered from a YAML base file and overridden by
// flags.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the full configuration tree the builder, outlet, and fabric
// construction read from.
type Settings struct {
	// InstanceID is this builder's identity in [0,63]; it is reported in
	// the startup log line and not otherwise used.
	InstanceID uint8 `yaml:"instance_id"`

	// BatchDuration is the power-of-two window size Results are grouped
	// into batches by.
	BatchDuration uint64 `yaml:"batch_duration"`
	// MaxBatches bounds the outbound batch pool depth.
	MaxBatches int `yaml:"max_batches"`
	// MaxEntries bounds the number of Results packed into one batch.
	MaxEntries int `yaml:"max_entries"`
	// TimeoutEpochs bounds how many timer ticks an incomplete event may
	// survive before it is force-completed.
	TimeoutEpochs uint64 `yaml:"timeout_epochs"`

	// InputExtentWords and ResultExtentWords size the fixed payload
	// portion of contribution and result datagrams, in 32-bit words.
	InputExtentWords  int `yaml:"input_extent_words"`
	ResultExtentWords int `yaml:"result_extent_words"`

	// Contributors lists the addresses of the contributor processes this
	// builder connects to as a fabric client; the contract bitmask is
	// derived as (1<<len(Contributors))-1 unless ContractMask is set.
	Contributors []string `yaml:"contributors"`
	// ContractMask, when nonzero, overrides the contract bitmask derived
	// from Contributors, for deployments with a read-out group that is
	// not simply "every connected contributor".
	ContractMask uint64 `yaml:"contract_mask"`

	// ServerPort is the port contributors connect to.
	ServerPort string `yaml:"server_port"`
	// ClientPort mirrors the reference CLI's client port; outbound dials
	// to contributors are not bound to it.
	ClientPort string `yaml:"client_port"`

	// Verbose enables per-fragment/per-batch diagnostic tracing.
	Verbose bool `yaml:"verbose"`

	// OTLPEndpoint, when non-empty, is where metrics are exported; empty
	// disables export and runs with a no-op meter provider.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// ServiceName identifies this process in exported telemetry.
	ServiceName string `yaml:"service_name"`

	// RoutingScript, when non-empty, is a path to a script resolving
	// per-event contracts for deployments with multiple read-out groups.
	RoutingScript string `yaml:"routing_script"`
}

// Default returns the reference build's compile-time constants.
func Default() Settings {
	return Settings{
		InstanceID:        0,
		BatchDuration:     0x80,
		MaxBatches:        16,
		MaxEntries:        128,
		TimeoutEpochs:     4,
		InputExtentWords:  5,
		ResultExtentWords: 5,
		Contributors:      nil,
		ContractMask:      0,
		ServerPort:        "32768",
		ClientPort:        "32769",
		Verbose:           false,
		OTLPEndpoint:      "",
		ServiceName:       "ebcore",
		RoutingScript:     "",
	}
}

// Load reads a YAML file over Default, returning an error only if path is
// non-empty and unreadable or malformed; a missing path is not an error,
// it simply means "use defaults".
func Load(path string) (Settings, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Settings{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Contract returns the contract bitmask this configuration implies.
func (s Settings) Contract() uint64 {
	if s.ContractMask != 0 {
		return s.ContractMask
	}
	if len(s.Contributors) == 0 {
		return 0
	}
	return (uint64(1) << uint(len(s.Contributors))) - 1
}

// Option mutates Settings, used to layer CLI flags over a loaded base.
type Option func(*Settings)

// Apply applies opts to a copy of base, in order.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	cfg.Contributors = append([]string(nil), base.Contributors...)
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithInstanceID overrides the instance id.
func WithInstanceID(id uint8) Option {
	return func(s *Settings) { s.InstanceID = id }
}

// WithServerPort overrides the server (contributor-facing) port.
func WithServerPort(port string) Option {
	port = strings.TrimSpace(port)
	return func(s *Settings) {
		if port != "" {
			s.ServerPort = port
		}
	}
}

// WithClientPort overrides the client (outbound) port.
func WithClientPort(port string) Option {
	port = strings.TrimSpace(port)
	return func(s *Settings) {
		if port != "" {
			s.ClientPort = port
		}
	}
}

// WithVerbose overrides the verbose diagnostics flag.
func WithVerbose(verbose bool) Option {
	return func(s *Settings) { s.Verbose = verbose }
}

// WithContributors overrides the contributor address list.
func WithContributors(addrs []string) Option {
	return func(s *Settings) {
		if len(addrs) > 0 {
			s.Contributors = append([]string(nil), addrs...)
		}
	}
}
