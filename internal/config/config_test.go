// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	cfg, err := NewBuilder().Build()
	require.NoError(t, err)
	require.Equal(t, int64(3000), cfg.PacemakerBaseTimeoutMS)
	require.Equal(t, 1.1, cfg.PacemakerRate)
	require.Equal(t, 0, cfg.PacemakerMaxExp)
}

func TestBuilderPacemakerValidation(t *testing.T) {
	tests := []struct {
		name    string
		baseMS  int64
		rate    float64
		maxExp  int
		wantErr bool
	}{
		{name: "valid", baseMS: 3000, rate: 1.1, maxExp: 0, wantErr: false},
		{name: "zero base", baseMS: 0, rate: 1.1, maxExp: 0, wantErr: true},
		{name: "negative base", baseMS: -1, rate: 1.1, maxExp: 0, wantErr: true},
		{name: "rate below 1", baseMS: 3000, rate: 0.9, maxExp: 0, wantErr: true},
		{name: "negative max exp", baseMS: 3000, rate: 1.1, maxExp: -1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder().WithPacemakerTimeout(tt.baseMS, tt.rate, tt.maxExp).Build()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestBuilderPresets(t *testing.T) {
	cfg, err := NewBuilder().FromPreset(LocalNetwork).Build()
	require.NoError(t, err)
	require.True(t, cfg.OverwriteForksEnable)
	require.Equal(t, LocalConfig.EpochMaxRounds, cfg.EpochMaxRounds)

	_, err = NewBuilder().FromPreset("bogus").Build()
	require.Error(t, err)
}

func TestBuilderPresetCloneIsolation(t *testing.T) {
	b := NewBuilder().FromPreset(MainnetNetwork)
	b.WithSync(time.Minute, 99)
	cfg, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, 99, cfg.SyncBatchSize)
	require.Equal(t, 10, MainnetConfig.SyncBatchSize, "builder must not mutate the shared preset")
}

func TestBuilderSyncValidation(t *testing.T) {
	_, err := NewBuilder().WithSync(0, 10).Build()
	require.Error(t, err)

	_, err = NewBuilder().WithSync(time.Second, 0).Build()
	require.Error(t, err)
}
