package worker

import (
	"testing"
	"time"

	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(slots int) types.WorkerConfig {
	return types.WorkerConfig{ID: "w1", Host: "host1", TotalSlots: slots, Priority: 1}
}

func TestReserveSlotsRejectsOverCapacity(t *testing.T) {
	s := New(testConfig(2), nil)

	assert.True(t, s.ReserveSlots(2))
	assert.False(t, s.ReserveSlots(1))
	assert.Equal(t, 0, s.AvailableSlots())
}

func TestReserveReleaseBalanced(t *testing.T) {
	s := New(testConfig(4), nil)

	require.True(t, s.ReserveSlots(3))
	assert.Equal(t, 1, s.AvailableSlots())

	require.NoError(t, s.ReleaseSlots(3))
	assert.Equal(t, 4, s.AvailableSlots())
}

func TestReleaseMoreThanUsedErrors(t *testing.T) {
	s := New(testConfig(2), nil)
	require.True(t, s.ReserveSlots(1))

	err := s.ReleaseSlots(2)
	assert.Error(t, err)
}

func TestIdleSinceSetOnFullRelease(t *testing.T) {
	s := New(testConfig(2), nil)
	assert.True(t, s.IdleSince().IsZero())

	require.True(t, s.ReserveSlots(2))
	assert.True(t, s.IdleSince().IsZero(), "busy worker should not be idle")

	require.NoError(t, s.ReleaseSlots(2))
	assert.False(t, s.IdleSince().IsZero())
}

func TestIdleSinceResetOnUnhealthyTransition(t *testing.T) {
	s := New(testConfig(2), nil)
	require.True(t, s.ReserveSlots(1))
	require.NoError(t, s.ReleaseSlots(1))
	require.False(t, s.IdleSince().IsZero())

	s.SetStatus(types.WorkerUnreachable)
	assert.True(t, s.IdleSince().IsZero(), "leaving Healthy must discard the idle observation")
}

func TestIdleSinceRestartsOnRecovery(t *testing.T) {
	s := New(testConfig(2), nil)
	require.True(t, s.ReserveSlots(1))
	require.NoError(t, s.ReleaseSlots(1))
	stale := s.IdleSince()

	s.SetStatus(types.WorkerUnreachable)
	s.SetStatus(types.WorkerHealthy)

	fresh := s.IdleSince()
	require.False(t, fresh.IsZero(), "recovered idle worker restarts its idle clock")
	assert.False(t, fresh.Before(stale))
}

func TestSpeedScoreEWMA(t *testing.T) {
	s := New(testConfig(4), nil)

	s.RecordSuccess(2 * time.Second)
	first := s.SpeedScore()
	assert.InDelta(t, 0.5, first, 0.0001)

	s.RecordSuccess(1 * time.Second)
	second := s.SpeedScore()
	assert.Greater(t, second, first)
}

func TestPoolAddGetRemove(t *testing.T) {
	pool := NewPool(nil)
	pool.AddWorker(testConfig(2))

	st := pool.Get("w1")
	require.NotNil(t, st)
	assert.Equal(t, 2, st.TotalSlots())

	pool.RemoveWorker("w1")
	assert.Nil(t, pool.Get("w1"))
}

func TestPoolAllWorkersSnapshot(t *testing.T) {
	pool := NewPool(nil)
	pool.AddWorker(testConfig(1))
	cfg2 := testConfig(2)
	cfg2.ID = "w2"
	pool.AddWorker(cfg2)

	all := pool.AllWorkers()
	assert.Len(t, all, 2)
}
