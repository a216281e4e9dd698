package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionStore is the persistence surface the reconciler needs. Implementations
// must make Apply atomic: either both sessions land or neither does.
type SessionStore interface {
	// LoadOpen returns the identity's open session, nil when there is none.
	LoadOpen(ctx context.Context, identity string) (*Session, error)
	// Apply persists a transition (closed session first when present).
	Apply(ctx context.Context, tr Transition) error
	// ListOpenBefore returns open sessions whose last_seen is at or before cutoff.
	ListOpenBefore(ctx context.Context, cutoff time.Time) ([]Session, error)
	// Close marks a session exited with the given exit time.
	Close(ctx context.Context, id string, exit time.Time) error
}

// Notifier receives entry/re-entry/exit events for the live activity feed.
// Delivery is at-least-once and best-effort; failures are logged by callers.
type Notifier interface {
	Publish(ctx context.Context, evt Event) error
}

// Event is the notification payload for feed consumers.
type Event struct {
	Identity  string    `json:"identity"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action,omitempty"`
}

var (
	observationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "officemon_observations_total",
		Help: "Observations processed, labelled by resulting event kind.",
	}, []string{"event"})
	invalidTimestampsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "officemon_invalid_timestamps_total",
		Help: "Observations dropped for preceding the session entry time.",
	})
	sweepClosuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "officemon_sweep_closures_total",
		Help: "Sessions closed by the idle-exit sweep.",
	})
)

// Service serializes observation and sweep handling over a session store.
// A single mutex is enough at the observation rates a camera loop produces.
type Service struct {
	store    SessionStore
	notifier Notifier
	cooldown time.Duration
	jitter   time.Duration
	now      func() time.Time

	mu sync.Mutex
}

// NewService creates a reconciler. A nil notifier disables the activity feed;
// a nil clock defaults to time.Now.
func NewService(store SessionStore, notifier Notifier, cooldown, jitter time.Duration, now func() time.Time) *Service {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if jitter < 0 {
		jitter = 0
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, notifier: notifier, cooldown: cooldown, jitter: jitter, now: now}
}

// Observe reconciles one detection event and returns the event kind produced.
// On store failure nothing is mutated and no notification goes out.
func (s *Service) Observe(ctx context.Context, obs Observation) (EventKind, error) {
	if obs.Identity == "" {
		return EventNone, errors.New("identity required")
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	open, err := s.store.LoadOpen(ctx, obs.Identity)
	if err != nil {
		return EventNone, err
	}

	tr, err := Step(open, obs, s.cooldown, s.jitter)
	if err != nil {
		if errors.Is(err, ErrInvalidTimestamp) {
			invalidTimestampsTotal.Inc()
		}
		return EventNone, err
	}

	if err := s.store.Apply(ctx, tr); err != nil {
		return EventNone, err
	}
	observationsTotal.WithLabelValues(string(tr.Event)).Inc()

	if tr.Event != EventNone {
		s.notify(ctx, Event{
			Identity:  obs.Identity,
			Kind:      tr.Event,
			Timestamp: obs.Timestamp.UTC(),
			Action:    obs.Action,
		})
	}
	return tr.Event, nil
}

// Sweep closes every open session not observed for at least the cooldown
// window, using last_seen as the exit time. Returns the number closed.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.UTC().Add(-s.cooldown)
	stale, err := s.store.ListOpenBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range stale {
		sess := &stale[i]
		if err := s.store.Close(ctx, sess.ID, sess.LastSeen); err != nil {
			return closed, err
		}
		closed++
		sweepClosuresTotal.Inc()
		s.notify(ctx, Event{
			Identity:  sess.Identity,
			Kind:      EventExit,
			Timestamp: sess.LastSeen,
			Action:    sess.LastAction,
		})
	}
	return closed, nil
}

// Shutdown closes every open session, used when the process stops and no
// further observations can arrive.
func (s *Service) Shutdown(ctx context.Context) (int, error) {
	return s.Sweep(ctx, s.now().Add(s.cooldown))
}

func (s *Service) notify(ctx context.Context, evt Event) {
	if s.notifier == nil {
		return
	}
	// Feed delivery is best-effort; the session state is already persisted.
	_ = s.notifier.Publish(ctx, evt)
}
