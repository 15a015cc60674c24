// Package heartbeat detects silently dead connections. It only reports; the
// owner decides what to do about misses.
package heartbeat

import (
	"sync"
	"time"
)

const (
	DefaultPingInterval = 15 * time.Second
	DefaultPongTimeout  = 10 * time.Second
)

type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	return c
}

// Status is mutated only by the Monitor.
type Status struct {
	LastSentAt        time.Time
	LastAckAt         time.Time
	ConsecutiveMisses int
}

// Reporter is told about misses and recoveries. Calls come from timer
// goroutines, never while the monitor's lock is held.
type Reporter interface {
	OnMiss(Status)
	OnRecover(Status)
}

// Probe sends one ping. Its error is ignored: a failed ping simply goes
// unanswered and shows up as a miss.
type Probe func() error

type Monitor struct {
	cfg   Config
	probe Probe
	rep   Reporter

	mu       sync.Mutex
	status   Status
	running  bool
	gen      uint64
	pongSeq  uint64
	interval *time.Timer
	pong     *time.Timer
}

func New(cfg Config, probe Probe, rep Reporter) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), probe: probe, rep: rep}
}

// Start begins the ping cycle with a fresh status. Starting a running
// monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.gen++
	m.status = Status{LastAckAt: time.Now()}
	m.scheduleTickLocked(m.gen)
}

// Stop cancels every pending timer. It is idempotent. Callbacks already past
// their generation check may still complete.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.gen++
	if m.interval != nil {
		m.interval.Stop()
		m.interval = nil
	}
	m.stopPongLocked()
}

// Observe records inbound traffic of any kind: the pending pong timer is
// cancelled and the miss counter reset.
func (m *Monitor) Observe() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	recovered := m.status.ConsecutiveMisses > 0
	m.status.ConsecutiveMisses = 0
	m.status.LastAckAt = time.Now()
	m.stopPongLocked()
	st := m.status
	m.mu.Unlock()

	if recovered && m.rep != nil {
		m.rep.OnRecover(st)
	}
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) scheduleTickLocked(gen uint64) {
	m.interval = time.AfterFunc(m.cfg.PingInterval, func() { m.tick(gen) })
}

func (m *Monitor) stopPongLocked() {
	m.pongSeq++
	if m.pong != nil {
		m.pong.Stop()
		m.pong = nil
	}
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.status.LastSentAt = time.Now()
	// 未到期的 pong 截止时间保留：PongTimeout >= PingInterval 时不能被下一次 ping 推后
	if m.pong == nil {
		seq := m.pongSeq
		m.pong = time.AfterFunc(m.cfg.PongTimeout, func() { m.timeout(gen, seq) })
	}
	m.scheduleTickLocked(gen)
	probe := m.probe
	m.mu.Unlock()

	if probe != nil {
		_ = probe()
	}
}

func (m *Monitor) timeout(gen, seq uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen || seq != m.pongSeq {
		m.mu.Unlock()
		return
	}
	m.pong = nil
	m.status.ConsecutiveMisses++
	st := m.status
	m.mu.Unlock()

	if m.rep != nil {
		m.rep.OnMiss(st)
	}
}
