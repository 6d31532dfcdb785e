// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the core-visible tunables from spec.md §6: pacemaker
// timing, sync patience, mempool sizing, and epoch bounds. Modeled directly
// on the teacher's config.Builder / config.Config / network presets.
package config

import (
	"fmt"
	"time"
)

// NetworkType selects a preset profile.
type NetworkType string

const (
	MainnetNetwork NetworkType = "mainnet"
	TestnetNetwork NetworkType = "testnet"
	LocalNetwork   NetworkType = "local"
)

// Config holds every core-visible knob named in spec.md §6.
type Config struct {
	PacemakerBaseTimeoutMS int64         `json:"pacemakerTimeoutMs"`
	PacemakerRate          float64       `json:"pacemakerRate"`
	PacemakerMaxExp        int           `json:"pacemakerMaxExp"`
	SyncPatience           time.Duration `json:"syncPatienceMs"`
	SyncBatchSize          int           `json:"syncBatchSize"`
	MempoolMaxSize         int           `json:"mempoolMaxSize"`
	EpochMaxRounds         uint64        `json:"epochMaxRounds"`
	EpochUnstakingDelay    uint64        `json:"epochUnstakingDelay"`
	OverwriteForksEnable   bool          `json:"overwriteForksEnable"`
}

// Builder provides a fluent interface for constructing a Config, mirroring
// the teacher's config.Builder.
type Builder struct {
	cfg *Config
	err error
}

// NewBuilder returns a builder seeded with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{
		cfg: &Config{
			PacemakerBaseTimeoutMS: 3000,
			PacemakerRate:          1.1,
			PacemakerMaxExp:        0,
			SyncPatience:           5 * time.Second,
			SyncBatchSize:          10,
			MempoolMaxSize:         10_000,
			EpochMaxRounds:         10_000,
			EpochUnstakingDelay:    500,
		},
	}
}

// FromPreset loads a named network preset, cloning it so further With*
// calls don't mutate the shared preset value.
func (b *Builder) FromPreset(preset NetworkType) *Builder {
	if b.err != nil {
		return b
	}
	var src Config
	switch preset {
	case MainnetNetwork:
		src = MainnetConfig
	case TestnetNetwork:
		src = TestnetConfig
	case LocalNetwork:
		src = LocalConfig
	default:
		b.err = fmt.Errorf("config: unknown preset %q", preset)
		return b
	}
	b.cfg = &src
	return b
}

// WithPacemakerTimeout sets the base timeout and backoff rate.
func (b *Builder) WithPacemakerTimeout(baseMS int64, rate float64, maxExp int) *Builder {
	if b.err != nil {
		return b
	}
	if baseMS <= 0 {
		b.err = fmt.Errorf("config: pacemaker base timeout must be > 0, got %d", baseMS)
		return b
	}
	if rate < 1.0 {
		b.err = fmt.Errorf("config: pacemaker rate must be >= 1.0, got %f", rate)
		return b
	}
	if maxExp < 0 {
		b.err = fmt.Errorf("config: pacemaker max_exp must be >= 0, got %d", maxExp)
		return b
	}
	b.cfg.PacemakerBaseTimeoutMS = baseMS
	b.cfg.PacemakerRate = rate
	b.cfg.PacemakerMaxExp = maxExp
	return b
}

// WithSync sets the sync-patience re-send interval and batch size.
func (b *Builder) WithSync(patience time.Duration, batchSize int) *Builder {
	if b.err != nil {
		return b
	}
	if patience <= 0 {
		b.err = fmt.Errorf("config: sync patience must be > 0, got %s", patience)
		return b
	}
	if batchSize < 1 {
		b.err = fmt.Errorf("config: sync batch size must be >= 1, got %d", batchSize)
		return b
	}
	b.cfg.SyncPatience = patience
	b.cfg.SyncBatchSize = batchSize
	return b
}

// WithMempoolMaxSize bounds the mempool.
func (b *Builder) WithMempoolMaxSize(max int) *Builder {
	if b.err != nil {
		return b
	}
	if max < 1 {
		b.err = fmt.Errorf("config: mempool max size must be >= 1, got %d", max)
		return b
	}
	b.cfg.MempoolMaxSize = max
	return b
}

// WithEpochBounds sets the max rounds per epoch and unstaking delay.
func (b *Builder) WithEpochBounds(maxRounds, unstakingDelay uint64) *Builder {
	if b.err != nil {
		return b
	}
	if maxRounds == 0 {
		b.err = fmt.Errorf("config: epoch max rounds must be > 0")
		return b
	}
	b.cfg.EpochMaxRounds = maxRounds
	b.cfg.EpochUnstakingDelay = unstakingDelay
	return b
}

// WithOverwriteForks toggles the test-only fork-override knob.
func (b *Builder) WithOverwriteForks(enable bool) *Builder {
	if b.err != nil {
		return b
	}
	b.cfg.OverwriteForksEnable = enable
	return b
}

// Build returns the constructed Config, or the first error encountered.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	cp := *b.cfg
	return &cp, nil
}
