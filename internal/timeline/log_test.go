package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDeduplicatesByKey(t *testing.T) {
	l := New(10, 0)

	first := l.Record(Event{Key: "session.started:tx-1", Category: CategorySession, Title: "Session started"})
	second := l.Record(Event{Key: "session.started:tx-1", Category: CategorySession, Title: "Session started (replay)"})

	assert.True(t, first)
	assert.False(t, second)
	require.Equal(t, 1, l.Len())
	assert.Equal(t, "Session started", l.ByArrival()[0].Title)
}

func TestRecordGeneratesKeyAndDefaultTone(t *testing.T) {
	l := New(10, 0)

	l.Record(Event{Category: CategoryLog, Title: "boot"})
	l.Record(Event{Category: CategoryLog, Title: "boot"})

	// keyless events never collide with each other
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, ToneInfo, l.ByArrival()[0].Tone)
}

func TestEvictionDropsOldestAndReleasesKeys(t *testing.T) {
	l := New(3, 0)

	for i := 0; i < 5; i++ {
		l.Record(Event{Key: fmt.Sprintf("e%d", i), TimestampMs: int64(i), Category: CategoryLog})
	}

	assert.Equal(t, 3, l.Len())
	got := l.ByArrival()
	assert.Equal(t, "e2", got[0].Key)
	assert.Equal(t, "e4", got[2].Key)

	// the evicted key is free for reuse
	assert.True(t, l.Record(Event{Key: "e0", TimestampMs: 99, Category: CategoryLog}))
}

func TestByArrivalFiltersByCategory(t *testing.T) {
	l := New(10, 0)
	l.Record(Event{Key: "a", Category: CategorySession})
	l.Record(Event{Key: "b", Category: CategoryMeter})
	l.Record(Event{Key: "c", Category: CategoryCommand})

	got := l.ByArrival(CategorySession, CategoryCommand)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "c", got[1].Key)
}

func TestByEventTimeReordersLateArrivals(t *testing.T) {
	l := New(10, 0)
	// push-sourced stop arrives before the REST-sourced start
	l.Record(Event{Key: "stop", TimestampMs: 2000, Category: CategorySession})
	l.Record(Event{Key: "start", TimestampMs: 1000, Category: CategorySession})

	arrival := l.ByArrival()
	assert.Equal(t, "stop", arrival[0].Key)

	byTime := l.ByEventTime()
	assert.Equal(t, "start", byTime[0].Key)
	assert.Equal(t, "stop", byTime[1].Key)
}

func TestRecordMeterThrottles(t *testing.T) {
	l := New(10, 10*time.Second)

	assert.True(t, l.RecordMeter(1, Event{Key: "m1", TimestampMs: 1_000}))
	assert.False(t, l.RecordMeter(1, Event{Key: "m2", TimestampMs: 5_000}))
	assert.True(t, l.RecordMeter(1, Event{Key: "m3", TimestampMs: 11_000}))

	// throttle state is per connector
	assert.True(t, l.RecordMeter(2, Event{Key: "m4", TimestampMs: 5_000}))

	for _, e := range l.ByArrival() {
		assert.Equal(t, CategoryMeter, e.Category)
	}
}

func TestShouldEmit(t *testing.T) {
	gap := 10 * time.Second

	assert.True(t, shouldEmit(0, 1_000, gap))
	assert.False(t, shouldEmit(1_000, 5_000, gap))
	assert.True(t, shouldEmit(1_000, 11_000, gap))
	assert.True(t, shouldEmit(5_000, 1_000, 0))
}

func TestSnapshotIsACopy(t *testing.T) {
	l := New(10, 0)
	l.Record(Event{Key: "a", Category: CategorySession, Title: "original",
		Metrics: map[string]string{"energyKwh": "1.250"}})

	got := l.ByArrival()
	got[0].Title = "mutated"
	got[0].Metrics["energyKwh"] = "0.000"

	kept := l.ByArrival()[0]
	assert.Equal(t, "original", kept.Title)
	assert.Equal(t, "1.250", kept.Metrics["energyKwh"])

	filtered := l.ByArrival(CategorySession)[0]
	filtered.Metrics["energyKwh"] = "9.999"
	assert.Equal(t, "1.250", l.ByArrival()[0].Metrics["energyKwh"])
}
