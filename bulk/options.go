package bulk

import (
	"time"

	"github.com/AlfredDev/surge/pool"
)

// Options tunes one bulk operation. Start from DefaultOptions and
// adjust; the zero value of ContinueOnError means "halt on first batch
// failure", which is rarely what callers want.
type Options struct {
	// BatchSize is the number of records per batch; the last batch may
	// be short.
	BatchSize int `json:"batch_size"`
	// ContinueOnError keeps dispatching past per-record failures. When
	// false the first failing batch aborts the operation.
	ContinueOnError bool `json:"continue_on_error"`
	// MaxParallelBatches caps chunk width. Zero derives the cap from
	// the pool's recommended total.
	MaxParallelBatches int `json:"max_parallel_batches,omitempty"`
	// MaxAttempts bounds how often a throttled or timed-out batch is
	// re-enqueued before its records fail.
	MaxAttempts int `json:"max_attempts"`
	// SlotTimeout bounds the wait for a dispatch slot.
	SlotTimeout time.Duration `json:"slot_timeout"`

	// Per-request flags forwarded to the service with every batch.
	BypassCustomLogic          pool.BypassCustomLogic `json:"bypass_custom_logic,omitempty"`
	BypassPowerAutomateFlows   bool                   `json:"bypass_power_automate_flows,omitempty"`
	SuppressDuplicateDetection bool                   `json:"suppress_duplicate_detection,omitempty"`
	Tag                        string                 `json:"tag,omitempty"`
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:       100,
		ContinueOnError: true,
		MaxAttempts:     5,
		SlotTimeout:     30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.SlotTimeout <= 0 {
		o.SlotTimeout = d.SlotTimeout
	}
	return o
}

func (o Options) flags() pool.RequestFlags {
	return pool.RequestFlags{
		BypassCustomLogic:          o.BypassCustomLogic,
		BypassPowerAutomateFlows:   o.BypassPowerAutomateFlows,
		SuppressDuplicateDetection: o.SuppressDuplicateDetection,
		Tag:                        o.Tag,
	}
}
