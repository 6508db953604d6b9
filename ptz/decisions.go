package ptz

import (
	"sync"
	"time"
)

// DecisionKind classifies decision log entries
type DecisionKind string

const (
	DecisionCommand     DecisionKind = "command"
	DecisionTransition  DecisionKind = "transition"
	DecisionRateLimited DecisionKind = "rate_limited"
	DecisionActuatorErr DecisionKind = "actuator_error"
	DecisionTrackLost   DecisionKind = "track_lost"
	DecisionAmbiguous   DecisionKind = "ambiguous"
)

// Decision is one entry of controller's decision log
type Decision struct {
	Timestamp time.Time
	Kind      DecisionKind
	State     State
	CameraID  string
	Details   string
}

// decisionLog is a bounded ring of recent decisions
type decisionLog struct {
	mu      sync.Mutex
	entries []Decision
	start   int
	size    int
}

func newDecisionLog(capacity int) *decisionLog {
	if capacity < 1 {
		capacity = 1
	}
	return &decisionLog{entries: make([]Decision, capacity)}
}

func (l *decisionLog) add(d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := (l.start + l.size) % len(l.entries)
	l.entries[idx] = d
	if l.size < len(l.entries) {
		l.size++
		return
	}
	l.start = (l.start + 1) % len(l.entries)
}

// between returns entries in [from, to], oldest first. Zero bounds are open
func (l *decisionLog) between(from, to time.Time) []Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Decision, 0, l.size)
	for i := 0; i < l.size; i++ {
		d := l.entries[(l.start+i)%len(l.entries)]
		if !from.IsZero() && d.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && d.Timestamp.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out
}
