package events

import (
	"maps"
	"math"
	"slices"

	"golang.org/x/time/rate"

	"github.com/msageha/conductor/internal/logging"
)

// Factory builds an event lazily; it is not called when the event would be dropped.
type Factory func() (EventType, map[string]any)

// Service is the best-effort event sink used by executors. Emit never fails the caller.
type Service struct {
	bus     *Bus
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewService publishes to bus at most maxPerSecond events per second, with a burst of
// maxPerSecond rounded up. A non-positive rate disables throttling.
func NewService(bus *Bus, maxPerSecond float64, logger *logging.Logger) *Service {
	s := &Service{bus: bus, logger: logger.With("events")}
	if maxPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(maxPerSecond), max(1, int(math.Ceil(maxPerSecond))))
	}
	return s
}

func (s *Service) Emit(recipients []string, meta map[string][]string, factory Factory) {
	if s == nil || s.bus == nil {
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Debugf("event_dropped reason=rate_limited")
		return
	}

	var (
		eventType EventType
		data      map[string]any
	)
	ok := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("event_factory_panic panic=%v", r)
				ok = false
			}
		}()
		eventType, data = factory()
		return true
	}()
	if !ok {
		return
	}

	var m map[string][]string
	if meta != nil {
		m = make(map[string][]string, len(meta))
		for k, v := range maps.All(meta) {
			m[k] = slices.Clone(v)
		}
	}
	s.bus.Publish(Event{
		Type:       eventType,
		Recipients: slices.Clone(recipients),
		Meta:       m,
		Data:       data,
	})
}
