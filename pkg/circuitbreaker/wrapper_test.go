package circuitbreaker

import (
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingCall() (interface{}, error) {
	return nil, fmt.Errorf("dependency down")
}

func TestNewWrapper_TripsAtConfiguredRatio(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.MinRequests = 2
	cfg.FailureRatio = 1.0
	w := NewWrapper(cfg)

	_, err := w.Execute(failingCall)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateClosed, w.State(), "a single failure stays under min_requests")

	_, err = w.Execute(failingCall)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, w.State())
	assert.True(t, w.IsOpen())
}

func TestNewWrapper_MinRequestsDelaysTrip(t *testing.T) {
	cfg := DefaultConfig("test-min")
	cfg.MinRequests = 10
	cfg.FailureRatio = 0.1
	w := NewWrapper(cfg)

	for i := 0; i < 9; i++ {
		_, err := w.Execute(failingCall)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, w.State())

	_, err := w.Execute(failingCall)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, w.State())
}

func TestNewWrapper_CustomReadyToTripWins(t *testing.T) {
	cfg := DefaultConfig("test-custom")
	cfg.MinRequests = 1
	cfg.FailureRatio = 0.01
	cfg.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	w := NewWrapper(cfg)

	for i := 0; i < 4; i++ {
		_, err := w.Execute(failingCall)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, w.State())

	_, err := w.Execute(failingCall)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, w.State())
}

func TestDefaultConfig_TripDefaults(t *testing.T) {
	cfg := DefaultConfig("defaults")
	assert.Equal(t, 0.5, cfg.FailureRatio)
	assert.Equal(t, uint32(3), cfg.MinRequests)
	assert.Nil(t, cfg.ReadyToTrip)
}
