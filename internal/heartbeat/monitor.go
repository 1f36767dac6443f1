// Package heartbeat finds half-open transports. Each tick pings every
// connection; a connection whose previous ping is still unanswered at the
// next tick is returned for eviction. Pings never block the tick.
package heartbeat

import (
	"log"
	"sync"
	"time"

	"presencehub/internal/metrics"
)

// Target is a probeable connection.
type Target interface {
	ID() string
	GetUserID() string

	// BeginProbe reports missed=true if the previous ping went unanswered,
	// otherwise marks the target awaiting_pong.
	BeginProbe() (missed bool)

	Ping(timeout time.Duration) error
}

// Config controls probe timing.
type Config struct {
	Interval    time.Duration
	PingTimeout time.Duration
}

// DefaultConfig matches the 30s design period.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		PingTimeout: 5 * time.Second,
	}
}

// Monitor runs probe cycles. It holds no per-connection state; that lives on
// the target so a pong can reset it from the read goroutine.
type Monitor struct {
	config   Config
	metrics  *metrics.Metrics
	inflight sync.WaitGroup
}

// NewMonitor creates a monitor. m may be nil.
func NewMonitor(config Config, m *metrics.Metrics) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = DefaultConfig().PingTimeout
	}
	return &Monitor{config: config, metrics: m}
}

// Interval is the probe period.
func (m *Monitor) Interval() time.Duration {
	return m.config.Interval
}

// Tick runs one probe cycle and returns the targets to evict. Probe state
// changes on the caller's goroutine; the pings themselves are written in the
// background, so a stalled transport costs the caller nothing. A ping that
// fails to send leaves the target awaiting_pong, so it is evicted on the next
// tick rather than this one.
func (m *Monitor) Tick(targets []Target) []Target {
	var evict []Target

	for _, target := range targets {
		if target.BeginProbe() {
			log.Printf("Heartbeat: evicting conn=%s user=%s after missed pong", target.ID(), target.GetUserID())
			m.metrics.Eviction()
			evict = append(evict, target)
			continue
		}

		m.inflight.Add(1)
		go m.ping(target)
	}

	return evict
}

func (m *Monitor) ping(target Target) {
	defer m.inflight.Done()
	if err := target.Ping(m.config.PingTimeout); err != nil {
		log.Printf("Heartbeat: ping to conn=%s failed: %v", target.ID(), err)
		m.metrics.PingFailure()
	}
}

// Wait blocks until every ping issued by Tick has completed or timed out.
func (m *Monitor) Wait() {
	m.inflight.Wait()
}
