package firehose

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
	defaultJitter    = 0.2
)

type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the randomization factor applied to each delay, in [0, 1].
	// Zero selects the default; a negative value disables jitter.
	Jitter float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	switch {
	case c.Jitter == 0:
		c.Jitter = defaultJitter
	case c.Jitter < 0:
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// ReconnectionManager keeps an independent exponential backoff per relay.
type ReconnectionManager struct {
	cfg BackoffConfig
	now func() time.Time

	mu     sync.Mutex
	relays map[string]*relayBackoff
}

type relayBackoff struct {
	policy      *backoff.ExponentialBackOff
	attempts    int
	lastDelay   time.Duration
	connectedAt time.Time
}

func NewReconnectionManager(cfg BackoffConfig) *ReconnectionManager {
	return &ReconnectionManager{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		relays: map[string]*relayBackoff{},
	}
}

// NextDelay returns how long to wait before the next attempt for relay.
func (m *ReconnectionManager) NextDelay(relay string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(relay)
	delay := state.policy.NextBackOff()
	if delay == backoff.Stop || delay <= 0 {
		delay = m.cfg.MaxDelay
	}
	state.attempts++
	state.lastDelay = delay
	return delay
}

// Connected records the start of a connection for relay.
func (m *ReconnectionManager) Connected(relay string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(relay).connectedAt = m.now()
}

// Disconnected resets the backoff when the connection that just ended lasted
// longer than one backoff interval.
func (m *ReconnectionManager) Disconnected(relay string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked(relay)
	if state.connectedAt.IsZero() {
		return
	}
	threshold := state.lastDelay
	if threshold < m.cfg.BaseDelay {
		threshold = m.cfg.BaseDelay
	}
	if m.now().Sub(state.connectedAt) > threshold {
		state.policy.Reset()
		state.attempts = 0
		state.lastDelay = 0
	}
	state.connectedAt = time.Time{}
}

func (m *ReconnectionManager) Attempts(relay string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.relays[relay]; ok {
		return state.attempts
	}
	return 0
}

func (m *ReconnectionManager) Reset(relay string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relays, relay)
}

func (m *ReconnectionManager) stateLocked(relay string) *relayBackoff {
	state, ok := m.relays[relay]
	if ok {
		return state
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.BaseDelay
	policy.MaxInterval = m.cfg.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = m.cfg.Jitter
	policy.Reset()
	state = &relayBackoff{policy: policy}
	m.relays[relay] = state
	return state
}
