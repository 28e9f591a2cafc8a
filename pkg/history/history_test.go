package history

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Dicklesworthstone/rchd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndLookupActiveBuild(t *testing.T) {
	h := New(8)
	h.StartBuild(types.BuildRecord{ID: "b1", ProjectID: "p1", Slots: 2})

	rec, ok := h.ActiveBuild("b1")
	require.True(t, ok)
	assert.Equal(t, "p1", rec.ProjectID)

	_, ok = h.ActiveBuild("absent")
	assert.False(t, ok)
}

func TestTakeActiveBuildSucceedsAtMostOnce(t *testing.T) {
	h := New(8)
	h.StartBuild(types.BuildRecord{ID: "b1"})

	_, first := h.TakeActiveBuild("b1")
	_, second := h.TakeActiveBuild("b1")

	assert.True(t, first)
	assert.False(t, second)
}

func TestTakeActiveBuildConcurrentSingleWinner(t *testing.T) {
	h := New(8)
	h.StartBuild(types.BuildRecord{ID: "b1"})

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := h.TakeActiveBuild("b1")
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestRingOverwritesOldest(t *testing.T) {
	h := New(3)
	for i := 0; i < 5; i++ {
		h.RecordFinishedBuild(types.BuildRecord{ID: fmt.Sprintf("b%d", i)})
	}

	recent := h.RecentBuilds()
	require.Len(t, recent, 3)
	assert.Equal(t, "b2", recent[0].ID)
	assert.Equal(t, "b4", recent[2].ID)
}

func TestRecentBuildsBelowCapacityKeepsInsertionOrder(t *testing.T) {
	h := New(8)
	h.RecordFinishedBuild(types.BuildRecord{ID: "first"})
	h.RecordFinishedBuild(types.BuildRecord{ID: "second"})

	recent := h.RecentBuilds()
	require.Len(t, recent, 2)
	assert.Equal(t, "first", recent[0].ID)
	assert.Equal(t, "second", recent[1].ID)
}

func TestActiveBuildsSnapshot(t *testing.T) {
	h := New(8)
	h.StartBuild(types.BuildRecord{ID: "b1"})
	h.StartBuild(types.BuildRecord{ID: "b2"})

	assert.Len(t, h.ActiveBuilds(), 2)

	h.TakeActiveBuild("b1")
	assert.Len(t, h.ActiveBuilds(), 1)
}
