package participant

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMonitorInterval = 30 * time.Second
	DefaultPingTimeout     = 5 * time.Second
	DefaultMaxFailures     = 3
)

// Health is the last observed liveness of one participant.
type Health struct {
	ID               string    `json:"id"`
	Healthy          bool      `json:"healthy"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// MonitorConfig controls ping cadence and the inactivity threshold.
type MonitorConfig struct {
	Interval    time.Duration
	PingTimeout time.Duration
	MaxFailures int
	// OnInactive fires once each time a participant crosses MaxFailures.
	OnInactive func(id string)
}

// Monitor pings every registered participant on an interval.
type Monitor struct {
	registry *Registry
	cfg      MonitorConfig

	mu     sync.RWMutex
	health map[string]*Health
}

func NewMonitor(registry *Registry, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Monitor{
		registry: registry,
		cfg:      cfg,
		health:   make(map[string]*Health),
	}
}

// Run blocks, checking once immediately and then on every tick, until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.cfg.Interval).Msg("participant.monitor_started")
	m.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("participant.monitor_stopped")
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce pings the current membership concurrently and prunes stale records.
func (m *Monitor) CheckOnce(ctx context.Context) {
	snap := m.registry.Snapshot()
	var wg sync.WaitGroup
	for _, h := range snap.Handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			m.check(ctx, h)
		}(h)
	}
	wg.Wait()

	current := make(map[string]struct{}, len(snap.Handles))
	for _, h := range snap.Handles {
		current[h.ID()] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.health {
		if _, ok := current[id]; !ok {
			delete(m.health, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) check(ctx context.Context, h Handle) {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := h.Ping(pingCtx)
	cancel()

	id := h.ID()
	now := time.Now()
	fire := false

	m.mu.Lock()
	rec, ok := m.health[id]
	if !ok {
		rec = &Health{ID: id, Healthy: true}
		m.health[id] = rec
	}
	rec.LastCheck = now
	if err == nil {
		if !rec.Healthy {
			log.Info().Str("participant", id).Msg("participant.recovered")
		}
		rec.Healthy = true
		rec.ConsecutiveFails = 0
		rec.LastHealthy = now
		rec.LastError = ""
	} else {
		rec.ConsecutiveFails++
		rec.LastError = err.Error()
		if rec.Healthy && rec.ConsecutiveFails >= m.cfg.MaxFailures {
			rec.Healthy = false
			fire = true
		}
	}
	fails := rec.ConsecutiveFails
	m.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("participant", id).Int("fails", fails).Msg("participant.ping_failed")
	}
	if fire {
		log.Warn().Str("participant", id).Msg("participant.inactive")
		if m.cfg.OnInactive != nil {
			m.cfg.OnInactive(id)
		}
	}
}

// Health returns the record for id.
func (m *Monitor) Health(id string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.health[id]
	if !ok {
		return Health{}, false
	}
	return *rec, true
}

// All returns every tracked record sorted by id.
func (m *Monitor) All() []Health {
	ids := m.registry.IDs()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Health, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.health[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}
