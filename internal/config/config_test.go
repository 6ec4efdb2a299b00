package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := Default()

	assert.Equal(t, 500, s.Occupancy.Threshold)
	assert.Equal(t, 400, s.Tracker.LineHeight)
	assert.Equal(t, 10, s.Tracker.Offset)
	assert.Equal(t, 500*time.Millisecond, s.Tracker.InferenceInterval)
	assert.Equal(t, []int{2, 3, 5, 7}, s.Tracker.VehicleClasses)
	assert.InDelta(t, 0.3, s.Allocation.LoadBalanceWeight, 1e-9)
	assert.Equal(t, 10, s.Allocation.FeedbackBatch)
	assert.Equal(t, 1000, s.Allocation.MaxFeedback)
	assert.Equal(t, time.Hour, s.Statistics.Interval)
	require.NoError(t, Validate(s))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parkwatch.yaml")
	yaml := `
occupancy:
  threshold: 650
detection:
  mode: simultaneous
tracker:
  strategy: detector
detector:
  backend: http
  endpoint: http://yolo:8000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("PARKWATCH_ALLOCATION_LOADBALANCEWEIGHT", "0.5")

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 650, s.Occupancy.Threshold)
	assert.Equal(t, "simultaneous", s.Detection.Mode)
	assert.Equal(t, "http://yolo:8000", s.Detector.Endpoint)
	assert.InDelta(t, 0.5, s.Allocation.LoadBalanceWeight, 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"unknown mode", func(s *Settings) { s.Detection.Mode = "both" }},
		{"unknown strategy", func(s *Settings) { s.Tracker.Strategy = "magic" }},
		{"detector without backend", func(s *Settings) { s.Tracker.Strategy = "detector" }},
		{"zero threshold", func(s *Settings) { s.Occupancy.Threshold = 0 }},
		{"weight above one", func(s *Settings) { s.Allocation.LoadBalanceWeight = 1.5 }},
		{"zero batch", func(s *Settings) { s.Allocation.FeedbackBatch = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			assert.Error(t, Validate(s))
		})
	}
}
