// Copyright 2025 James Ross
package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGateTransitions(t *testing.T) {
	depth := int64(0)
	g := NewGate(100, 0.8, time.Millisecond, func(ctx context.Context) (int64, error) {
		return depth, nil
	})

	depth = 10
	g.sample(context.Background())
	assert.Equal(t, Open, g.State())
	assert.True(t, g.Allow())

	depth = 85
	g.sample(context.Background())
	assert.Equal(t, Warning, g.State())
	assert.True(t, g.Allow())

	depth = 100
	g.sample(context.Background())
	assert.Equal(t, Rejecting, g.State())
	assert.False(t, g.Allow())
}

func TestGateZeroWatermarkNeverRejects(t *testing.T) {
	g := NewGate(0, 0.8, time.Millisecond, func(ctx context.Context) (int64, error) {
		return 1_000_000, nil
	})
	g.sample(context.Background())
	assert.True(t, g.Allow())
}
