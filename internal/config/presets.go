// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import "time"

// MainnetConfig is the conservative, long-timeout production profile.
var MainnetConfig = Config{
	PacemakerBaseTimeoutMS: 3000,
	PacemakerRate:          1.1,
	PacemakerMaxExp:        6,
	SyncPatience:           10 * time.Second,
	SyncBatchSize:          10,
	MempoolMaxSize:         20_000,
	EpochMaxRounds:         10_000,
	EpochUnstakingDelay:    500,
}

// TestnetConfig trades some liveness margin for faster iteration.
var TestnetConfig = Config{
	PacemakerBaseTimeoutMS: 1500,
	PacemakerRate:          1.1,
	PacemakerMaxExp:        4,
	SyncPatience:           5 * time.Second,
	SyncBatchSize:          25,
	MempoolMaxSize:         10_000,
	EpochMaxRounds:         2_000,
	EpochUnstakingDelay:    100,
}

// LocalConfig is tuned for single-machine multi-validator development,
// where there is no network latency to absorb.
var LocalConfig = Config{
	PacemakerBaseTimeoutMS: 250,
	PacemakerRate:          1.0,
	PacemakerMaxExp:        0,
	SyncPatience:           time.Second,
	SyncBatchSize:          50,
	MempoolMaxSize:         1_000,
	EpochMaxRounds:         100,
	EpochUnstakingDelay:    10,
	OverwriteForksEnable:   true,
}
