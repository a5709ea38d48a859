package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeNoHealthyInstance: 503,
		ErrCodeCircuitOpen:       503,
		ErrCodeDependencyUnmet:   503,
		ErrCodeRateLimited:       429,
		ErrCodeQueueTimeout:      429,
		ErrCodeCallTimeout:       504,
		ErrCodeUpstream:          500,
		ErrCodeInternal:          500,
		ErrCodeConfigInvalid:     500,
	}
	for code, want := range cases {
		assert.Equal(t, want, New(code, "test", "msg").HTTPStatusCode(), string(code))
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeUpstream, "gateway", "call failed")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection refused", err.Details)
	assert.Nil(t, Wrap(nil, ErrCodeUpstream, "gateway", "no-op"))
}

func TestIsMatchesByCode(t *testing.T) {
	err := NewCircuitOpenError("users")
	assert.ErrorIs(t, err, &GatewayError{Code: ErrCodeCircuitOpen})
	assert.NotErrorIs(t, err, &GatewayError{Code: ErrCodeRateLimited})
}

func TestCodeOfUnwrapsChains(t *testing.T) {
	inner := NewRateLimitedError("10.0.0.1")
	wrapped := fmt.Errorf("while proxying: %w", inner)

	assert.Equal(t, ErrCodeRateLimited, CodeOf(wrapped))
	assert.Equal(t, 429, HTTPStatusOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeRateLimited))

	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, 500, HTTPStatusOf(errors.New("plain")))
}

func TestConstructorsCarryMetadata(t *testing.T) {
	err := NewCallTimeoutError("proxy-users", 30*time.Second)
	assert.Equal(t, "proxy-users", err.Metadata["breaker"])
	assert.Equal(t, "30s", err.Metadata["timeout"])

	cycle := NewDependencyCycleError([]string{"a", "b", "a"})
	assert.Equal(t, ErrCodeDependencyCycle, cycle.Code)
	assert.Contains(t, cycle.Error(), "service_manager")
}
