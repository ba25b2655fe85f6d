package provider

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status represents the health state of an endpoint.
type Status int

const (
	StatusHealthy   Status = iota // Endpoint is working normally
	StatusDegraded                // Endpoint is slow but working
	StatusThrottled               // Endpoint is rate limiting
	StatusBlocked                 // Endpoint has blocked this client
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Monitor tracks endpoint latency and rate limiting.
type Monitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int

	status429Count   int
	status403Count   int
	throttlePatterns []string
	lastThrottleTime time.Time
	retryAfter       time.Duration

	slowResponseThreshold time.Duration
	now                   func() time.Time
}

// NewMonitor creates a new monitor with default settings.
func NewMonitor() *Monitor {
	return &Monitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"rate limit exceeded",
			"too many requests",
			"daily request count exceeded",
			"project rate limit",
			"monthly quota exceeded",
			"credits limit",
		},
		slowResponseThreshold: 3 * time.Second,
		now:                   time.Now,
	}
}

// RecordRequest records a successful request with its latency.
func (m *Monitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}
}

// RecordThrottle records a rate limiting or blocking response.
// retryAfter is the raw Retry-After header value in seconds, if any.
func (m *Monitor) RecordThrottle(statusCode int, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastThrottleTime = m.now()

	switch statusCode {
	case 429:
		m.status429Count++
		m.retryAfter = time.Minute
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			m.retryAfter = time.Duration(secs) * time.Second
		}
	case 403:
		m.status403Count++
		m.retryAfter = 10 * time.Minute // Longer for IP block
	}
}

// DetectThrottlePattern checks if a message contains throttle patterns.
func (m *Monitor) DetectThrottlePattern(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range m.throttlePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Status returns the current status of the endpoint.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	throttled := m.now().Sub(m.lastThrottleTime) < m.retryAfter
	if m.status403Count > 0 && throttled {
		return StatusBlocked
	}
	if m.status429Count > 5 && throttled {
		return StatusThrottled
	}

	if len(m.recentLatencies) > 10 && m.averageLatency() > m.slowResponseThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

// RetryAfter returns remaining time before retry is allowed.
func (m *Monitor) RetryAfter() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	remaining := m.retryAfter - m.now().Sub(m.lastThrottleTime)
	return max(remaining, 0)
}

// AverageLatency returns the average latency of recent requests.
func (m *Monitor) AverageLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageLatency()
}

func (m *Monitor) averageLatency() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}
