package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foundryfi/titan-core/internal/errs"
)

// Operational is the closed set of tunables the spec calls out by name
// (prepare_ttl, ack_wait, drift_pct_threshold, ...). Unknown keys in the
// YAML source are rejected at load time.
type Operational struct {
	PrepareTTL          time.Duration `yaml:"prepare_ttl"`
	MessageTimeout      time.Duration `yaml:"message_timeout"`
	ReplayWindow        time.Duration `yaml:"replay_window"`
	MaxReconnectDelay   time.Duration `yaml:"max_reconnect_delay"`
	MaxReconnectAttempt int           `yaml:"max_reconnect_attempts"`
	SendQueueHighWater  int           `yaml:"send_queue_high_water"`

	AckWait       time.Duration `yaml:"ack_wait"`
	MaxDeliver    int           `yaml:"max_deliver"`
	CheckpointInt time.Duration `yaml:"checkpoint_interval"`
	CheckpointMut int           `yaml:"checkpoint_mutations"`

	MinTruthForNewRisk int     `yaml:"min_truth_for_new_risk"`
	DefensiveTruth     int     `yaml:"defensive_truth"`
	HaltTruth          int     `yaml:"halt_truth"`
	DriftPctThreshold  float64 `yaml:"drift_pct_threshold"`
	ReorderWindow      time.Duration `yaml:"reorder_window"`
	AckResolveWindow   time.Duration `yaml:"ack_resolve_window"`

	VenueMaxRetries int `yaml:"venue_max_retries"`

	DefensiveDD      float64       `yaml:"defensive_dd"`
	HaltDD           float64       `yaml:"halt_dd"`
	DefensiveQuality float64       `yaml:"defensive_quality"`
	DefensiveTail    float64       `yaml:"defensive_tail"`
	HysteresisWindow time.Duration `yaml:"hysteresis_window"`

	AllocatorPeriod time.Duration `yaml:"allocator_period"`
}

// DefaultOperational returns the defaults named throughout spec.md.
func DefaultOperational() Operational {
	return Operational{
		PrepareTTL:          750 * time.Millisecond,
		MessageTimeout:      1 * time.Second,
		ReplayWindow:        30 * time.Second,
		MaxReconnectDelay:   30 * time.Second,
		MaxReconnectAttempt: 10,
		SendQueueHighWater:  1000,

		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		CheckpointInt: 60 * time.Second,
		CheckpointMut: 10000,

		MinTruthForNewRisk: 70,
		DefensiveTruth:     70,
		HaltTruth:          40,
		DriftPctThreshold:  0.001,
		ReorderWindow:      2 * time.Second,
		AckResolveWindow:   30 * time.Second,

		VenueMaxRetries: 3,

		DefensiveDD:      0.02,
		HaltDD:           0.05,
		DefensiveQuality: 0.5,
		DefensiveTail:    0.8,
		HysteresisWindow: 5 * time.Minute,

		AllocatorPeriod: 5 * time.Second,
	}
}

// LoadOperational reads path, overlaying onto the defaults. A path of ""
// returns the defaults unchanged. Unknown fields fail the load (closed
// configuration set, spec §9).
func LoadOperational(path string) (Operational, error) {
	cfg := DefaultOperational()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Wrap(errs.KindMissingSecret, fmt.Sprintf("reading operational config %s", path), err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errs.Wrap(errs.KindMissingSecret, "operational config has unknown or malformed fields", err)
	}
	return cfg, nil
}
