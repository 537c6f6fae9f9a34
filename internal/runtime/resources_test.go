package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := newResourceTracker(func() time.Time { return current })

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent)
	assert.Positive(t, first.Goroutines)
	assert.Positive(t, first.MemoryBytes)

	current = current.Add(time.Second)
	second := tracker.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}

func TestResourceTrackerNil(t *testing.T) {
	var tracker *resourceTracker
	assert.Equal(t, ResourceUsage{}, tracker.Snapshot())
}
