// Package session tracks live conversations: per-source admission control,
// capacity-bounded session state, and age-based background sweeping.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarehq/snare/pkg/config"
	"github.com/snarehq/snare/pkg/detect"
	"github.com/snarehq/snare/pkg/metrics"
)

// Session is the per-conversation state owned by the registry. Values handed
// out by Get and RecordMessage are snapshots; callers never share memory with
// the registry's copy.
type Session struct {
	ID              string
	SourceIdentity  string
	StartedAt       time.Time
	MessageCount    int
	DetectedAttacks []detect.DetectedAttack
	Metadata        map[string]string
}

func (s *Session) snapshot() Session {
	out := *s
	out.DetectedAttacks = append([]detect.DetectedAttack(nil), s.DetectedAttacks...)
	out.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Registry manages sessions and admission windows. Safe for concurrent use.
type Registry struct {
	cfg     config.SessionConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	sessions   map[string]*Session
	admissions map[string][]time.Time
	now        func() time.Time // injectable for tests

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a registry and starts its age sweep loop.
func NewRegistry(cfg config.SessionConfig, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10000
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	r := &Registry{
		cfg:        cfg,
		logger:     logger.With().Str("component", "session").Logger(),
		metrics:    m,
		sessions:   make(map[string]*Session),
		admissions: make(map[string][]time.Time),
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go r.sweepLoop()
	return r
}

// Admit applies the sliding-window rate limit for one source identity.
// A false return is an explicit rejection the transport must surface.
func (r *Registry) Admit(identity string) bool {
	now := r.now()
	cutoff := now.Add(-r.cfg.RateWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.admissions[identity][:0]
	for _, t := range r.admissions[identity] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.cfg.RateLimit {
		r.admissions[identity] = recent
		if r.metrics != nil {
			r.metrics.AdmissionsRejected.Inc()
		}
		r.logger.Warn().Str("identity", identity).Int("in_window", len(recent)).Msg("admission rejected")
		return false
	}

	r.admissions[identity] = append(recent, now)
	return true
}

// Create opens a new session for a source identity. At capacity the oldest
// 10% of sessions are evicted first, so creation always succeeds.
func (r *Registry) Create(identity string, metadata map[string]string) Session {
	s := &Session{
		ID:             uuid.NewString(),
		SourceIdentity: identity,
		StartedAt:      r.now(),
		Metadata:       metadata,
	}

	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.evictOldestLocked()
	}
	r.sessions[s.ID] = s
	snap := s.snapshot()
	r.mu.Unlock()

	r.logger.Debug().Str("session_id", s.ID).Str("identity", identity).Msg("session created")
	return snap
}

// Get returns a snapshot of the session, or false when it does not exist
// (including any session that was ever removed).
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// RecordMessage increments the session's message count and accumulates the
// attacks detected in that message, preserving arrival order.
func (r *Registry) RecordMessage(id string, attacks []detect.DetectedAttack) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	s.MessageCount++
	s.DetectedAttacks = append(s.DetectedAttacks, attacks...)
	return s.snapshot(), true
}

// Remove deletes a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// evictOldestLocked drops the oldest configured fraction of sessions by
// creation time, at least one. Caller holds r.mu.
func (r *Registry) evictOldestLocked() {
	frac := r.cfg.EvictFraction
	if frac <= 0 || frac >= 1 {
		frac = 0.10
	}
	n := int(float64(len(r.sessions)) * frac)
	if n < 1 {
		n = 1
	}

	type entry struct {
		id      string
		started time.Time
	}
	entries := make([]entry, 0, len(r.sessions))
	for id, s := range r.sessions {
		entries = append(entries, entry{id, s.StartedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].started.Before(entries[j].started) })

	for _, e := range entries[:n] {
		delete(r.sessions, e.id)
	}
	if r.metrics != nil {
		r.metrics.SessionsEvicted.Add(float64(n))
	}
	r.logger.Info().Int("evicted", n).Int("remaining", len(r.sessions)).Msg("session capacity eviction")
}

// sweepLoop removes expired sessions and stale admission windows on a fixed
// interval, independent of message activity.
func (r *Registry) sweepLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes sessions older than the configured max age and prunes
// admission entries with no activity inside the rate window.
func (r *Registry) Sweep() {
	now := r.now()
	sessionCutoff := now.Add(-r.cfg.MaxAge)
	admissionCutoff := now.Add(-r.cfg.RateWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	for id, s := range r.sessions {
		if s.StartedAt.Before(sessionCutoff) {
			delete(r.sessions, id)
			swept++
		}
	}
	for identity, stamps := range r.admissions {
		live := stamps[:0]
		for _, t := range stamps {
			if t.After(admissionCutoff) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(r.admissions, identity)
		} else {
			r.admissions[identity] = live
		}
	}

	if swept > 0 {
		if r.metrics != nil {
			r.metrics.SessionsEvicted.Add(float64(swept))
		}
		r.logger.Info().Int("swept", swept).Msg("expired sessions removed")
	}
}

// Close stops the sweep loop.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}
