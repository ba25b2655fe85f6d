package provider

import (
	"testing"
	"time"
)

func TestMonitor_LatencyWindow(t *testing.T) {
	m := NewMonitor()

	for i := 0; i < 150; i++ {
		m.RecordRequest(10 * time.Millisecond)
	}
	if got := len(m.recentLatencies); got != 100 {
		t.Errorf("expected window of 100, got %d", got)
	}
	if avg := m.AverageLatency(); avg != 10*time.Millisecond {
		t.Errorf("expected avg 10ms, got %v", avg)
	}
	if s := m.Status(); s != StatusHealthy {
		t.Errorf("expected healthy, got %v", s)
	}
}

func TestMonitor_Degraded(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 20; i++ {
		m.RecordRequest(5 * time.Second)
	}
	if s := m.Status(); s != StatusDegraded {
		t.Errorf("expected degraded, got %v", s)
	}
}

func TestMonitor_Throttle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMonitor()
	m.now = func() time.Time { return now }

	m.RecordThrottle(403, "")
	if s := m.Status(); s != StatusBlocked {
		t.Fatalf("expected blocked, got %v", s)
	}
	if ra := m.RetryAfter(); ra != 10*time.Minute {
		t.Errorf("expected 10m retry-after, got %v", ra)
	}

	now = now.Add(11 * time.Minute)
	if s := m.Status(); s != StatusHealthy {
		t.Errorf("expected healthy after block window, got %v", s)
	}

	for i := 0; i < 6; i++ {
		m.RecordThrottle(429, "30")
	}
	if s := m.Status(); s != StatusThrottled {
		t.Errorf("expected throttled, got %v", s)
	}
	if ra := m.RetryAfter(); ra != 30*time.Second {
		t.Errorf("expected 30s retry-after, got %v", ra)
	}
}

func TestMonitor_DetectThrottlePattern(t *testing.T) {
	m := NewMonitor()
	tests := []struct {
		msg  string
		want bool
	}{
		{"Rate limit exceeded for project", true},
		{"Too Many Requests", true},
		{"invalid params", false},
	}
	for _, tt := range tests {
		if got := m.DetectThrottlePattern(tt.msg); got != tt.want {
			t.Errorf("DetectThrottlePattern(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
