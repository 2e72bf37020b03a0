package adaptive

import "time"

// Params tunes the per-identity AIMD governor.
type Params struct {
	// InitialFactor scales the server ceiling into the starting
	// parallelism: current = floor(max × InitialFactor).
	InitialFactor float64 `json:"initial_factor"`
	// MinParallelism is the floor; current never drops below it.
	MinParallelism int `json:"min_parallelism"`
	// IncreaseStep is the additive probe applied after stabilization.
	IncreaseStep int `json:"increase_step"`
	// DecreaseFactor is the multiplicative cut applied on throttle.
	DecreaseFactor float64 `json:"decrease_factor"`
	// StabilizationBatches is the number of consecutive successes
	// required before the next probe.
	StabilizationBatches int `json:"stabilization_batches"`
	// MinIncreaseInterval is the minimum time between increases.
	MinIncreaseInterval time.Duration `json:"min_increase_interval"`
	// RecoveryMultiplier scales the probe while below last-known-good.
	RecoveryMultiplier float64 `json:"recovery_multiplier"`
	// LastKnownGoodTTL marks the baseline stale after this much quiet.
	LastKnownGoodTTL time.Duration `json:"last_known_good_ttl"`
	// IdleResetPeriod fully re-initializes an identity after this
	// much inactivity.
	IdleResetPeriod time.Duration `json:"idle_reset_period"`
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		InitialFactor:        0.5,
		MinParallelism:       1,
		IncreaseStep:         2,
		DecreaseFactor:       0.5,
		StabilizationBatches: 3,
		MinIncreaseInterval:  5 * time.Second,
		RecoveryMultiplier:   2.0,
		LastKnownGoodTTL:     5 * time.Minute,
		IdleResetPeriod:      5 * time.Minute,
	}
}

// withDefaults fills zero-valued fields from DefaultParams.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.InitialFactor <= 0 {
		p.InitialFactor = d.InitialFactor
	}
	if p.MinParallelism <= 0 {
		p.MinParallelism = d.MinParallelism
	}
	if p.IncreaseStep <= 0 {
		p.IncreaseStep = d.IncreaseStep
	}
	if p.DecreaseFactor <= 0 {
		p.DecreaseFactor = d.DecreaseFactor
	}
	if p.StabilizationBatches <= 0 {
		p.StabilizationBatches = d.StabilizationBatches
	}
	if p.MinIncreaseInterval <= 0 {
		p.MinIncreaseInterval = d.MinIncreaseInterval
	}
	if p.RecoveryMultiplier <= 0 {
		p.RecoveryMultiplier = d.RecoveryMultiplier
	}
	if p.LastKnownGoodTTL <= 0 {
		p.LastKnownGoodTTL = d.LastKnownGoodTTL
	}
	if p.IdleResetPeriod <= 0 {
		p.IdleResetPeriod = d.IdleResetPeriod
	}
	return p
}
