package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Health is a snapshot of the Redis connection state.
type Health struct {
	Connected  bool      `json:"connected"`
	LastPingOK time.Time `json:"last_ping_ok,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Reconnects int       `json:"reconnects"`
	Latency    string    `json:"latency,omitempty"`
}

// Monitor pings Redis periodically and reconnects with exponential backoff.
// The publisher skips sends while IsConnected is false.
type Monitor struct {
	rdb      *redis.Client
	interval time.Duration

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu         sync.RWMutex
	connected  bool
	lastPing   time.Time
	lastErr    string
	reconnects int
	latency    time.Duration

	onDown func()
	onUp   func()
}

// MonitorOption configures the Monitor.
type MonitorOption func(*Monitor)

// WithCheckInterval sets the health check interval (default 5s).
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithBackoff sets the reconnect delays and the attempts per reconnect cycle
// (default 500ms doubling to 30s, 10 attempts).
func WithBackoff(base, max time.Duration, attempts int) MonitorOption {
	return func(m *Monitor) {
		m.baseDelay = base
		m.maxDelay = max
		m.maxAttempts = attempts
	}
}

// WithOnDown is called when the connection transitions from up to down.
func WithOnDown(fn func()) MonitorOption {
	return func(m *Monitor) {
		m.onDown = fn
	}
}

// WithOnUp is called when the connection transitions from down to up.
func WithOnUp(fn func()) MonitorOption {
	return func(m *Monitor) {
		m.onUp = fn
	}
}

// NewMonitor creates a Redis health monitor. The connection is assumed up
// until the first failed ping.
func NewMonitor(rdb *redis.Client, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		rdb:         rdb,
		interval:    5 * time.Second,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    30 * time.Second,
		maxAttempts: 10,
		connected:   true,
		lastPing:    time.Now(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run checks the connection every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) ping(ctx context.Context) (time.Duration, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	err := m.rdb.Ping(pingCtx).Err()
	return time.Since(start), err
}

func (m *Monitor) check(ctx context.Context) {
	elapsed, err := m.ping(ctx)

	m.mu.Lock()
	wasConnected := m.connected
	if err != nil {
		m.connected = false
		m.lastErr = err.Error()
		m.mu.Unlock()

		if wasConnected {
			log.Printf("telemetry: redis connection lost: %v", err)
			if m.onDown != nil {
				m.onDown()
			}
		}
		m.reconnect(ctx)
		return
	}
	m.markUp(elapsed, false)
	m.mu.Unlock()

	if !wasConnected {
		log.Printf("telemetry: redis connection restored (latency=%v)", elapsed)
		if m.onUp != nil {
			m.onUp()
		}
	}
}

// markUp records a successful ping. Callers hold m.mu.
func (m *Monitor) markUp(latency time.Duration, reconnected bool) {
	m.connected = true
	m.lastPing = time.Now()
	m.latency = latency
	m.lastErr = ""
	if reconnected {
		m.reconnects++
	}
}

func (m *Monitor) backoff(attempt int) time.Duration {
	d := m.baseDelay << uint(attempt)
	if d <= 0 || d > m.maxDelay {
		return m.maxDelay
	}
	return d
}

func (m *Monitor) reconnect(ctx context.Context) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backoff(attempt)):
		}

		elapsed, err := m.ping(ctx)
		if err == nil {
			m.mu.Lock()
			m.markUp(elapsed, true)
			m.mu.Unlock()

			log.Printf("telemetry: redis reconnected after %d attempts", attempt+1)
			if m.onUp != nil {
				m.onUp()
			}
			return
		}
		log.Printf("telemetry: redis reconnect attempt %d/%d failed: %v", attempt+1, m.maxAttempts, err)
	}
	log.Printf("telemetry: redis reconnect failed after %d attempts, will retry on next health check", m.maxAttempts)
}

// IsConnected reports whether the last health check succeeded.
func (m *Monitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Status returns the current health snapshot.
func (m *Monitor) Status() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := Health{
		Connected:  m.connected,
		LastPingOK: m.lastPing,
		LastError:  m.lastErr,
		Reconnects: m.reconnects,
	}
	if m.latency > 0 {
		h.Latency = m.latency.String()
	}
	return h
}
