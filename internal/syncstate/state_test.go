package syncstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/frostwatch/syncplay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		DriftLow:        500 * time.Millisecond,
		DriftHigh:       1500 * time.Millisecond,
		MinSyncInterval: 200 * time.Millisecond,
		MaxSyncInterval: 2 * time.Second,
		SyncStep:        100 * time.Millisecond,
		RateStep:        0.01,
		BehindThreshold: -time.Second,
		RateTickPeriod:  30 * time.Millisecond,
	}
}

type recorder struct {
	mu        sync.Mutex
	snapshots []models.SyncSnapshot
}

func (r *recorder) record(s models.SyncSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) last() models.SyncSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return models.SyncSnapshot{}
	}
	return r.snapshots[len(r.snapshots)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func newTestState() (*State, *recorder) {
	rec := &recorder{}
	obs := Observer{OnStateChanged: rec.record}
	return New(testParams(), obs), rec
}

func TestEffectiveTimeNeverNegative(t *testing.T) {
	s, _ := newTestState()
	assert.Equal(t, 0.0, s.EffectiveTime())
}

func TestPlayPauseSeekChangeVideo(t *testing.T) {
	s, rec := newTestState()
	ctx := context.Background()

	require.NoError(t, s.ChangeVideo("hls:intro"))
	snap := rec.last()
	assert.Equal(t, "hls:intro", snap.CurrentVideo)
	assert.Equal(t, 0.0, snap.TargetTime)
	assert.False(t, snap.IsPlaying)

	s.Play(ctx)
	assert.True(t, rec.last().IsPlaying)

	time.Sleep(50 * time.Millisecond)
	et := s.EffectiveTime()
	assert.Greater(t, et, 0.0)

	s.Pause()
	assert.False(t, rec.last().IsPlaying)
	assert.Equal(t, 1.0, rec.last().PlaybackRate)

	require.NoError(t, s.Seek(120))
	assert.InDelta(t, 120, rec.last().TargetTime, 0.01)
}

func TestSeekRejectsNegative(t *testing.T) {
	s, _ := newTestState()
	err := s.Seek(-1)
	assert.Error(t, err)
}

func TestChangeVideoRejectsInvalidRef(t *testing.T) {
	s, _ := newTestState()
	err := s.ChangeVideo("hls:../etc")
	assert.Error(t, err)

	err = s.ChangeVideo("not-hls-prefixed")
	assert.Error(t, err)
}

func TestEffectiveTimeMonotoneWhilePlaying(t *testing.T) {
	s, _ := newTestState()
	ctx := context.Background()
	s.Play(ctx)

	last := s.EffectiveTime()
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		cur := s.EffectiveTime()
		assert.GreaterOrEqual(t, cur, last)
		last = cur
	}
}

func TestReportClientTimeComputesDrift(t *testing.T) {
	s, _ := newTestState()
	ctx := context.Background()
	id := models.ClientId("c1")
	s.RegisterClient(ctx, id, models.RoleViewer, "Viewer1", "tok", "1.2.3.4")

	require.NoError(t, s.ReportClientTime(ctx, id, 5.0, 1.0, true))

	table := s.ViewerTable()
	require.Len(t, table, 1)
	assert.InDelta(t, 5.0, table[0].Drift, 0.05)
}

func TestReportClientTimeUnknownClient(t *testing.T) {
	s, _ := newTestState()
	err := s.ReportClientTime(context.Background(), "nope", 1.0, 1.0, true)
	assert.Error(t, err)
}

func TestSyncIntervalStaysWithinBounds(t *testing.T) {
	s, _ := newTestState()
	ctx := context.Background()
	id := models.ClientId("c1")
	s.RegisterClient(ctx, id, models.RoleViewer, "V", "tok", "")
	s.Play(ctx)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.ReportClientTime(ctx, id, float64(i)*5, 1.0, true))
	}

	s.mu.Lock()
	c := s.clients[id]
	interval := c.SyncInterval
	s.mu.Unlock()

	assert.GreaterOrEqual(t, interval, s.params.MinSyncInterval)
	assert.LessOrEqual(t, interval, s.params.MaxSyncInterval)
}

func TestRateControllerClampsToRange(t *testing.T) {
	s, _ := newTestState()
	ctx := context.Background()

	ids := []models.ClientId{"v1", "v2", "v3", "v4"}
	for _, id := range ids {
		s.RegisterClient(ctx, id, models.RoleViewer, string(id), "tok", "")
	}
	s.Play(ctx)

	for tick := 0; tick < 30; tick++ {
		for _, id := range ids {
			require.NoError(t, s.ReportClientTime(ctx, id, -10.0, 1.0, true))
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	s.mu.Lock()
	rate := s.rate
	s.mu.Unlock()

	assert.GreaterOrEqual(t, rate, minRate)
	assert.LessOrEqual(t, rate, maxRate)
}

func TestUnregisterClientStopsTimer(t *testing.T) {
	s, _ := newTestState()
	ctx := context.Background()
	id := models.ClientId("c1")
	s.RegisterClient(ctx, id, models.RoleOperator, "Op", "tok", "")
	s.Play(ctx)

	s.mu.Lock()
	timer := s.clients[id].syncTimer
	s.mu.Unlock()
	require.NotNil(t, timer, "Play must arm the client's sync timer")

	s.UnregisterClient(id)
	_, ok := s.GetClientRole(id)
	assert.False(t, ok)
	assert.False(t, timer.Stop(), "UnregisterClient must already have stopped the timer")
}

func TestPlayArmsSyncTimerForPreRegisteredClient(t *testing.T) {
	var mu sync.Mutex
	var fired int
	obs := Observer{
		OnStateChanged: func(models.SyncSnapshot) {},
		OnClientNeedsSync: func(id models.ClientId, snap models.SyncSnapshot) {
			mu.Lock()
			fired++
			mu.Unlock()
		},
	}
	s := New(testParams(), obs)
	ctx := context.Background()
	id := models.ClientId("pre-existing")

	// Client joins before the operator presses play, so RegisterClient's
	// own "if playing" guard never arms a timer for it.
	s.RegisterClient(ctx, id, models.RoleViewer, "Viewer1", "tok", "")

	s.Play(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired > 0
	}, defaultSyncInterval+500*time.Millisecond, 10*time.Millisecond)
}

func TestValidateStreamRef(t *testing.T) {
	assert.True(t, ValidateStreamRef("hls:movie-1"))
	assert.False(t, ValidateStreamRef("hls:../etc"))
	assert.False(t, ValidateStreamRef("movie-1"))
	assert.False(t, ValidateStreamRef("hls:"))
}
