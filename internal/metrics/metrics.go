// Package metrics is a minimal, concurrency-safe counter registry exposed
// in Prometheus' text exposition format.
package metrics

import "sync"

// Event counter names.
const (
	ConnOpened     = "conn_opened"
	ConnClosed     = "conn_closed"
	FramesRouted   = "frames_routed"
	DeliverOK      = "deliver_ok"
	DeliverFailed  = "deliver_failed"
	StalePurged    = "stale_purged"
	BadRequest     = "bad_request"
	RateLimited    = "rate_limited"
	AuthFailure    = "auth_failure"
	RegistryErrors = "registry_errors"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
