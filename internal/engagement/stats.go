package engagement

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SyncStats counts categorized sync events. Observer, when set, is invoked
// once per recorded event so callers can mirror counts into metrics.
type SyncStats struct {
	counts   map[string]int
	order    []string
	Observer func(event string)
}

func NewSyncStats(events ...string) *SyncStats {
	stats := &SyncStats{counts: make(map[string]int, len(events))}
	for _, event := range events {
		stats.counts[event] = 0
		stats.order = append(stats.order, event)
	}
	return stats
}

func (s *SyncStats) Add(event string) {
	s.AddN(event, 1)
}

func (s *SyncStats) AddN(event string, n int) {
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	if _, ok := s.counts[event]; !ok {
		s.order = append(s.order, event)
	}
	s.counts[event] += n
	if s.Observer != nil {
		for i := 0; i < n; i++ {
			s.Observer(event)
		}
	}
}

func (s *SyncStats) Count(event string) int {
	return s.counts[event]
}

// Merge folds another accumulator's counts into this one.
func (s *SyncStats) Merge(other *SyncStats) {
	if other == nil {
		return
	}
	for _, event := range other.order {
		s.AddN(event, other.counts[event])
	}
}

// LogSummary writes one line per event count at info level.
func (s *SyncStats) LogSummary(log *zap.SugaredLogger, scope string) {
	if log == nil {
		return
	}
	for _, event := range s.order {
		log.Infow("sync summary", "scope", scope, "event", event, "count", s.counts[event])
	}
}

// Metrics exposes sync event counts as Prometheus counters.
type Metrics struct {
	events *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engagesync",
			Name:      "sync_events_total",
			Help:      "Categorized sync events per dataset.",
		}, []string{"dataset", "event"}),
	}
	if reg != nil {
		reg.MustRegister(m.events)
	}
	return m
}

// ObserverFor returns a SyncStats observer that records events against the
// given dataset label.
func (m *Metrics) ObserverFor(dataset string) func(event string) {
	if m == nil {
		return nil
	}
	return func(event string) {
		m.events.WithLabelValues(dataset, event).Inc()
	}
}
