// Package syncstate holds the authoritative master playback state, its
// effective-time model, the per-client drift-adaptive sync scheduler,
// and the global rate controller.
//
// A single mutex guards the master timeline plus a per-client timer
// map: one active video shared by every connected client, rather than
// one deck per room.
package syncstate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/frostwatch/syncplay/internal/metrics"
	"github.com/frostwatch/syncplay/internal/models"
)

var streamRefRe = regexp.MustCompile(`^hls:[A-Za-z0-9_-]+$`)

// Params collects the tunables for the per-client adaptation rule and
// the global rate controller. Every field is independently
// configurable; shipped defaults may collapse MinSyncInterval ==
// MaxSyncInterval, which degenerates the adaptation rule into a
// no-op. That is intentional, not a bug.
type Params struct {
	DriftLow        time.Duration
	DriftHigh       time.Duration
	MinSyncInterval time.Duration
	MaxSyncInterval time.Duration
	SyncStep        time.Duration

	RateStep        float64
	BehindThreshold time.Duration

	RateTickPeriod time.Duration
}

const (
	defaultSyncInterval = time.Second
	minRate             = 0.9
	maxRate             = 1.0
)

// Client is StateCore's record of one live connection. SyncHub
// addresses clients only by ClientId; it must never hold a pointer
// into this struct across a lock release.
type Client struct {
	Role         models.Role
	Name         string
	SessionToken string
	PeerAddress  string

	LastReportedTime float64
	LastDrift        float64
	ReportedPlaying  bool
	ReportedRate     float64
	hasReported      bool

	SyncInterval time.Duration
	syncTimer    *time.Timer
}

// Observer is the callback surface StateCore uses to push effects out
// without depending on SyncHub's concrete transport, per the
// cyclic-dependency note: StateCore raises events, SyncHub binds to
// them at construction.
type Observer struct {
	// OnStateChanged fires after any master-state mutation; snapshot is
	// the idempotent, absolute-valued view to broadcast.
	OnStateChanged func(snapshot models.SyncSnapshot)
	// OnClientNeedsSync fires when a single client's own timer elapses.
	OnClientNeedsSync func(id models.ClientId, snapshot models.SyncSnapshot)
	// OnViewerTableChanged fires whenever the viewer table should be
	// re-pushed to operators.
	OnViewerTableChanged func()
}

// State is the StateCore component: one MasterState plus the
// ClientId -> Client map, guarded by a single mutex per the scale the
// design targets (hundreds of clients, not a sharded fleet).
type State struct {
	params Params
	obs    Observer

	mu           sync.Mutex
	currentVideo string
	anchorTime   float64
	anchorWall   time.Time
	isPlaying    bool
	rate         float64

	clients map[models.ClientId]*Client

	rateLoopCancel context.CancelFunc
}

// New constructs a State with all timers stopped and rate == 1.0.
func New(params Params, obs Observer) *State {
	if params.RateTickPeriod == 0 {
		params.RateTickPeriod = time.Second
	}
	return &State{
		params:     params,
		obs:        obs,
		anchorWall: time.Now(),
		rate:       1.0,
		clients:    make(map[models.ClientId]*Client),
	}
}

// ── Effective-time model ─────────────────────────────────────

// effectiveTime must be called with mu held.
func (s *State) effectiveTime(now time.Time) float64 {
	t := s.anchorTime
	if s.isPlaying {
		t += now.Sub(s.anchorWall).Seconds() * s.rate
	}
	if t < 0 {
		return 0
	}
	return t
}

// EffectiveTime returns the current effective playback position.
func (s *State) EffectiveTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveTime(time.Now())
}

// rewriteAnchor must be called with mu held, before any mutation to
// isPlaying, rate, or an explicit time jump, so effectiveTime stays
// continuous across the transition.
func (s *State) rewriteAnchor(now time.Time) {
	s.anchorTime = s.effectiveTime(now)
	s.anchorWall = now
}

func (s *State) snapshotLocked() models.SyncSnapshot {
	return models.SyncSnapshot{
		Type:         "syncState",
		CurrentVideo: s.currentVideo,
		TargetTime:   s.effectiveTime(time.Now()),
		IsPlaying:    s.isPlaying,
		PlaybackRate: s.rate,
	}
}

// ── Master-state transitions ─────────────────────────────────

// Play flips isPlaying true if currently paused, broadcasts, starts
// the rate-control loop if not already running, and arms the
// per-client sync timer for every client already registered (a client
// that joined while paused never got one, since RegisterClient only
// schedules a timer for a client admitted while already playing).
func (s *State) Play(ctx context.Context) {
	s.mu.Lock()
	if s.isPlaying {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.rewriteAnchor(now)
	s.isPlaying = true
	snap := s.snapshotLocked()
	shouldStartLoop := s.rateLoopCancel == nil
	ids := make([]models.ClientId, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if shouldStartLoop {
		s.startRateLoop(ctx)
	}
	for _, id := range ids {
		s.scheduleClientSync(ctx, id)
	}
	s.broadcast(snap)
}

// Pause flips isPlaying false, resets rate to 1.0, broadcasts, and
// stops the rate-control loop.
func (s *State) Pause() {
	s.mu.Lock()
	if !s.isPlaying {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.rewriteAnchor(now)
	s.isPlaying = false
	s.rate = 1.0
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.stopRateLoop()
	s.broadcast(snap)
}

// Seek jumps the timeline to t seconds. Rejects negative times.
func (s *State) Seek(t float64) error {
	if t < 0 {
		return fmt.Errorf("syncstate: seek time must be >= 0, got %v", t)
	}
	s.mu.Lock()
	s.anchorTime = t
	s.anchorWall = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.broadcast(snap)
	return nil
}

// ValidateStreamRef reports whether v matches hls:<streamName> with a
// valid stream name.
func ValidateStreamRef(v string) bool {
	return streamRefRe.MatchString(v)
}

// ChangeVideo switches the current video, resetting time/playing/rate,
// and stops the rate-control loop. Rejects a malformed stream
// reference without mutating state.
func (s *State) ChangeVideo(v string) error {
	if !ValidateStreamRef(v) {
		return fmt.Errorf("syncstate: invalid video reference %q", v)
	}
	s.mu.Lock()
	s.currentVideo = v
	s.anchorTime = 0
	s.anchorWall = time.Now()
	s.isPlaying = false
	s.rate = 1.0
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.stopRateLoop()
	s.broadcast(snap)
	return nil
}

// SyncAll forces an immediate broadcast of the current state without
// mutating it.
func (s *State) SyncAll() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
}

func (s *State) broadcast(snap models.SyncSnapshot) {
	if snap.IsPlaying {
		metrics.MasterIsPlaying.Set(1)
	} else {
		metrics.MasterIsPlaying.Set(0)
	}
	metrics.MasterPlaybackRate.Set(snap.PlaybackRate)
	if s.obs.OnStateChanged != nil {
		s.obs.OnStateChanged(snap)
	}
}

// ── Client registration ──────────────────────────────────────

// RegisterClient admits a new client into the master state, starting
// its per-client sync timer only while playing (paused clients get no
// periodic snapshots).
func (s *State) RegisterClient(ctx context.Context, id models.ClientId, role models.Role, name, token, peer string) {
	c := &Client{
		Role:         role,
		Name:         name,
		SessionToken: token,
		PeerAddress:  peer,
		ReportedRate: 1.0,
		SyncInterval: defaultSyncInterval,
	}

	s.mu.Lock()
	s.clients[id] = c
	playing := s.isPlaying
	s.mu.Unlock()

	if playing {
		s.scheduleClientSync(ctx, id)
	}
}

// UnregisterClient removes id and cancels its pending sync timer, if
// any. Safe to call for an id that was never registered.
func (s *State) UnregisterClient(id models.ClientId) {
	s.mu.Lock()
	c, ok := s.clients[id]
	if ok {
		if c.syncTimer != nil {
			c.syncTimer.Stop()
			c.syncTimer = nil
		}
		delete(s.clients, id)
	}
	s.mu.Unlock()
}

// ClientSnapshot returns the current SyncSnapshot, for an immediate
// send on registration or on an explicit requestSync.
func (s *State) ClientSnapshot() models.SyncSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetClientRole returns the role of a registered client, or false if
// id is not registered.
func (s *State) GetClientRole(id models.ClientId) (models.Role, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return "", false
	}
	return c.Role, true
}

// ViewerTable returns the operator-facing projection of every
// registered client, for requestViewerList and viewer-table pushes.
func (s *State) ViewerTable() []models.ViewerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ViewerInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, models.ViewerInfo{
			Role:         c.Role,
			Name:         c.Name,
			IP:           c.PeerAddress,
			CurrentTime:  c.LastReportedTime,
			Drift:        c.LastDrift,
			IsPlaying:    c.ReportedPlaying,
			PlaybackRate: c.ReportedRate,
		})
	}
	return out
}

// ── Per-client sync scheduler ────────────────────────────────

func (s *State) scheduleClientSync(ctx context.Context, id models.ClientId) {
	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	interval := c.SyncInterval
	c.syncTimer = time.AfterFunc(interval, func() { s.fireClientSync(ctx, id) })
	s.mu.Unlock()
}

func (s *State) fireClientSync(ctx context.Context, id models.ClientId) {
	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	playing := s.isPlaying
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if !playing {
		return
	}
	if s.obs.OnClientNeedsSync != nil {
		s.obs.OnClientNeedsSync(id, snap)
	}

	s.mu.Lock()
	_, stillRegistered := s.clients[id]
	s.mu.Unlock()
	if stillRegistered {
		s.scheduleClientSync(ctx, id)
	}
	_ = c
}

// adaptSyncInterval must be called with mu held. Implements the
// DRIFT_LOW / DRIFT_HIGH / MIN / MAX / STEP rule. Returns true if the
// interval changed and the client's timer should be rescheduled
// immediately.
func (s *State) adaptSyncInterval(c *Client, drift time.Duration) bool {
	absDrift := drift
	if absDrift < 0 {
		absDrift = -absDrift
	}
	switch {
	case absDrift > s.params.DriftHigh && c.SyncInterval > s.params.MinSyncInterval:
		next := c.SyncInterval - s.params.SyncStep
		if next < s.params.MinSyncInterval {
			next = s.params.MinSyncInterval
		}
		c.SyncInterval = next
		return true
	case absDrift < s.params.DriftLow && c.SyncInterval < s.params.MaxSyncInterval:
		next := c.SyncInterval + s.params.SyncStep
		if next > s.params.MaxSyncInterval {
			next = s.params.MaxSyncInterval
		}
		c.SyncInterval = next
		return true
	default:
		return false
	}
}

// ── Client time-reports ───────────────────────────────────────

// ReportClientTime applies a clientTimeUpdate: updates the client's
// last-reported fields, computes drift, adapts its sync interval, and
// notifies observers that the viewer table changed.
func (s *State) ReportClientTime(ctx context.Context, id models.ClientId, reportedTime, reportedRate float64, reportedPlaying bool) error {
	s.mu.Lock()
	c, ok := s.clients[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("syncstate: unknown client %s", id)
	}

	now := time.Now()
	drift := reportedTime - s.effectiveTime(now)
	c.LastReportedTime = reportedTime
	c.LastDrift = drift
	c.ReportedPlaying = reportedPlaying
	c.ReportedRate = reportedRate
	c.hasReported = true

	var rescheduleImmediately bool
	if s.isPlaying {
		rescheduleImmediately = s.adaptSyncInterval(c, time.Duration(drift*float64(time.Second)))
	}
	s.mu.Unlock()

	if rescheduleImmediately {
		s.scheduleClientSync(ctx, id)
	}
	if s.obs.OnViewerTableChanged != nil {
		s.obs.OnViewerTableChanged()
	}
	return nil
}

// ── Global rate controller ───────────────────────────────────

func (s *State) startRateLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.rateLoopCancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.params.RateTickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.rateTick()
			}
		}
	}()
}

func (s *State) stopRateLoop() {
	s.mu.Lock()
	cancel := s.rateLoopCancel
	s.rateLoopCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *State) rateTick() {
	s.mu.Lock()
	if !s.isPlaying || len(s.clients) == 0 {
		s.mu.Unlock()
		return
	}

	var behind, ahead, sampled int
	for _, c := range s.clients {
		if !c.hasReported {
			continue
		}
		sampled++
		driftSeconds := time.Duration(c.LastDrift * float64(time.Second))
		if driftSeconds < s.params.BehindThreshold {
			behind++
		}
		if c.LastDrift > s.params.DriftLow.Seconds() {
			ahead++
		}
	}

	if sampled == 0 {
		changed := s.rate != 1.0
		now := time.Now()
		if changed {
			s.rewriteAnchor(now)
		}
		s.rate = 1.0
		snap := s.snapshotLocked()
		s.mu.Unlock()
		if changed {
			s.broadcast(snap)
		}
		return
	}

	behindFrac := float64(behind) / float64(sampled)
	var newRate float64
	changed := false
	switch {
	case behindFrac > 0.25 && s.rate > minRate:
		newRate = s.rate - s.params.RateStep
		if newRate < minRate {
			newRate = minRate
		}
		changed = true
	case (behindFrac < 0.10 || ahead > behind) && s.rate < maxRate:
		newRate = s.rate + s.params.RateStep
		if newRate > maxRate {
			newRate = maxRate
		}
		changed = true
	}

	if !changed {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	s.rewriteAnchor(now)
	s.rate = newRate
	snap := s.snapshotLocked()
	s.mu.Unlock()

	slog.Debug("rate adjusted", "component", "sync", "rate", newRate, "behind", behind, "ahead", ahead, "sampled", sampled)
	s.broadcast(snap)
}

// Shutdown stops the rate loop and every client's pending sync timer,
// for a clean composition-root teardown.
func (s *State) Shutdown() {
	s.stopRateLoop()
	s.mu.Lock()
	for _, c := range s.clients {
		if c.syncTimer != nil {
			c.syncTimer.Stop()
			c.syncTimer = nil
		}
	}
	s.mu.Unlock()
}

// ClientCount reports the number of registered clients, for the
// logging rollup and metrics.
func (s *State) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
