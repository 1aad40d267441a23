package peer

// MetricsReporter receives per-session counters. The Prometheus
// collector implements it; the default is a no-op.
type MetricsReporter interface {
	IncMessagesReceived(peer, kind string)
	RecordStateTransition(peer, from, to string)
}

type noopMetrics struct{}

func (noopMetrics) IncMessagesReceived(string, string)      {}
func (noopMetrics) RecordStateTransition(string, string, string) {}

// SessionOption configures optional Session parameters.
type SessionOption func(*Session)

// WithMetrics attaches a MetricsReporter to the session. A nil reporter
// keeps the no-op default.
func WithMetrics(mr MetricsReporter) SessionOption {
	return func(s *Session) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches a MetricsReporter passed to every session
// the manager creates.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}
