// Package uuid tests for local identifier generation.
package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewRandom verifies generated ids are well formed.
func TestNewRandom(t *testing.T) {
	id, err := NewRandom()
	require.NoError(t, err)
	assert.True(t, IsValid(id), id)
	assert.True(t, IsValid(New()))
}

// TestNewRandom_unique verifies ids are not repeated.
func TestNewRandom_unique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id, err := NewRandom()
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

// TestValidate verifies accepted and rejected formats.
func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"canonical", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"uppercase", "F47AC10B-58CC-4372-A567-0E02B2C3D479", false},
		{"version 1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"empty", "", false},
		{"legacy pending prefix", "pending_1700000000000_abc123def", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.id)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
