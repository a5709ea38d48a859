package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxstack/api-gateway/internal/events"
	"github.com/voxstack/api-gateway/pkg/logger"
)

func newTestRegistry() *Registry {
	return NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, events.NewBus(), logger.Discard())
}

func TestGetOrCreate(t *testing.T) {
	reg := newTestRegistry()

	a := reg.Get("users")
	b := reg.Get("users")
	assert.Same(t, a, b)

	c := reg.Get("orders")
	assert.NotSame(t, a, c)
}

func TestGetWithConfigKeepsFirstConfig(t *testing.T) {
	reg := newTestRegistry()

	a := reg.GetWithConfig("users", Config{FailureThreshold: 7})
	b := reg.GetWithConfig("users", Config{FailureThreshold: 99})
	require.Same(t, a, b)
	assert.Equal(t, 7, a.config.FailureThreshold)
}

func TestStatsSortedByName(t *testing.T) {
	reg := newTestRegistry()
	reg.Get("zeta")
	reg.Get("alpha")
	reg.Get("mid")

	stats := reg.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, "alpha", stats[0].Name)
	assert.Equal(t, "mid", stats[1].Name)
	assert.Equal(t, "zeta", stats[2].Name)
}

func TestSummaryStatus(t *testing.T) {
	reg := newTestRegistry()

	reg.Get("a")
	reg.Get("b")
	assert.Equal(t, "healthy", reg.Summary().Status)

	_ = reg.Get("a").Execute(context.Background(), fail)
	summary := reg.Summary()
	assert.Equal(t, "degraded", summary.Status)
	assert.Equal(t, []string{"a"}, summary.OpenKeys)

	_ = reg.Get("b").Execute(context.Background(), fail)
	assert.Equal(t, "unhealthy", reg.Summary().Status)
}

func TestRegistryReset(t *testing.T) {
	reg := newTestRegistry()

	_ = reg.Get("a").Execute(context.Background(), fail)
	require.Equal(t, StateOpen, reg.Get("a").State())

	assert.True(t, reg.Reset("a"))
	assert.Equal(t, StateClosed, reg.Get("a").State())
	assert.False(t, reg.Reset("missing"))
}
