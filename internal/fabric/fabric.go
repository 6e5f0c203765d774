// Package fabric implements the real-time event fabric: live
// per-subscriber delivery of committed events, durable cursor-based
// consumption, and the retention sweeper.
//
// The fabric never invents events. The store assigns each event its
// per-target sequence inside the commit transaction and hands the
// committed batch to Publish, so live delivery order always matches
// commit order. Durable consumption reads the same events back from the
// store; acknowledgment is cursor commit.
package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agora/internal/api"
	"agora/pkg/logging"
)

// subscriber is one live feed. The queue is bounded; overflow drops the
// lowest-priority queued event, except that emergency-priority events
// are never dropped even when that grows the queue past its bound.
type subscriber struct {
	agentID    string
	eventTypes map[string]bool // empty means all types

	mu     sync.Mutex
	queue  []api.Event
	closed bool
	notify chan struct{}
	done   chan struct{}
	out    chan api.Event
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.eventTypes) == 0 || s.eventTypes[eventType]
}

// Fabric is the event fabric.
type Fabric struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	queueSize   int

	published  prometheus.Counter
	dropped    prometheus.Counter
	subsGauge  prometheus.Gauge
	pruneTotal prometheus.Counter
}

// Options configures New.
type Options struct {
	// SubscriberQueueSize bounds each live feed's queue.
	SubscriberQueueSize int

	// Registerer receives the fabric metrics; nil skips registration.
	Registerer prometheus.Registerer
}

// New creates an event fabric with no subscribers.
func New(opts Options) *Fabric {
	if opts.SubscriberQueueSize <= 0 {
		opts.SubscriberQueueSize = 1024
	}
	f := &Fabric{
		subscribers: make(map[string]*subscriber),
		queueSize:   opts.SubscriberQueueSize,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_fabric_events_published_total",
			Help: "Events handed to subscriber queues.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_fabric_events_dropped_total",
			Help: "Events dropped by the overflow policy.",
		}),
		subsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agora_fabric_subscribers",
			Help: "Attached live feeds.",
		}),
		pruneTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_fabric_events_pruned_total",
			Help: "Events removed by the retention sweeper.",
		}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(f.published, f.dropped, f.subsGauge, f.pruneTotal)
	}
	return f
}

// Subscribe attaches a live feed for an agent, replacing any previous
// feed for the same agent. Subscribing as the broadcast target "*"
// attaches a tap that receives every published event; the coordinator
// uses this to react to commits without polling.
func (f *Fabric) Subscribe(agentID string, eventTypes []string) (*api.Subscription, error) {
	if agentID == "" {
		return nil, api.NewInvalidArgumentError("subscriber agent_id is required")
	}

	sub := &subscriber{
		agentID: agentID,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan api.Event),
	}
	if len(eventTypes) > 0 {
		sub.eventTypes = make(map[string]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.eventTypes[t] = true
		}
	}

	f.mu.Lock()
	if prev, ok := f.subscribers[agentID]; ok {
		prev.close()
	}
	f.subscribers[agentID] = sub
	f.subsGauge.Set(float64(len(f.subscribers)))
	f.mu.Unlock()

	go sub.pump()
	logging.Debug("Fabric", "subscriber %s attached (%d type filters)", agentID, len(eventTypes))
	return &api.Subscription{AgentID: agentID, EventTypes: eventTypes, C: sub.out}, nil
}

// Unsubscribe detaches the agent's live feed, closing its channel.
func (f *Fabric) Unsubscribe(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subscribers[agentID]; ok {
		sub.close()
		delete(f.subscribers, agentID)
		f.subsGauge.Set(float64(len(f.subscribers)))
		logging.Debug("Fabric", "subscriber %s detached", agentID)
	}
}

// Publish fans one committed batch out to matching subscriber queues,
// including the broadcast-target tap when one is attached. Called by
// the store immediately after commit, in commit order.
func (f *Fabric) Publish(events []api.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ev := range events {
		for _, sub := range []*subscriber{f.subscribers[ev.TargetAgent], f.subscribers[api.BroadcastTarget]} {
			if sub == nil || !sub.wants(ev.EventType) {
				continue
			}
			if dropped, droppedEvent := sub.enqueue(ev, f.queueSize); dropped {
				f.dropped.Inc()
				f.recordDrop(droppedEvent)
			}
			f.published.Inc()
		}
	}
}

// recordDrop writes the drop to the audit log. The durable copy of the
// event is untouched; only live delivery was shed.
func (f *Fabric) recordDrop(ev api.Event) {
	logging.Warn("Fabric", "dropped event %s (type %s, priority %d) for %s: queue full",
		ev.EventID, ev.EventType, ev.Priority, ev.TargetAgent)
	if audit := api.GetAudit(); audit != nil {
		_ = audit.Record(context.Background(), api.AuditRecord{
			Actor:     "fabric",
			Operation: "event.drop",
			Subject:   ev.EventID,
			Outcome:   api.AuditError,
			Reason:    "subscriber queue full",
		})
	}
}

// enqueue adds an event to the queue, applying the overflow policy.
// Returns the event that was shed, if any.
func (s *subscriber) enqueue(ev api.Event, bound int) (bool, api.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, api.Event{}
	}

	s.queue = append(s.queue, ev)
	var dropped api.Event
	var didDrop bool
	if len(s.queue) > bound {
		// Shed the oldest event of the lowest priority present, but
		// never an emergency-priority event.
		lowest := -1
		for i, queued := range s.queue {
			if queued.Priority == api.PriorityEmergency {
				continue
			}
			if lowest == -1 || queued.Priority < s.queue[lowest].Priority {
				lowest = i
			}
		}
		if lowest >= 0 {
			dropped = s.queue[lowest]
			s.queue = append(s.queue[:lowest], s.queue[lowest+1:]...)
			didDrop = true
		}
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return didDrop, dropped
}

// flush discards queued events below the given priority.
func (s *subscriber) flush(belowPriority int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	flushed := 0
	for _, ev := range s.queue {
		if ev.Priority >= belowPriority {
			kept = append(kept, ev)
		} else {
			flushed++
		}
	}
	s.queue = kept
	return flushed
}

// pump moves events from the queue to the out channel in order. It
// exits, closing out, when the subscriber is detached.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// Consume is the durable read path: events past the cursor are read
// from the store, the cursor is committed to the last returned
// sequence, and message deliveries are counted. Acknowledgment is the
// cursor commit itself.
func (f *Fabric) Consume(ctx context.Context, agentID string, cursor uint64, limit int) ([]api.Event, uint64, error) {
	store := api.GetStore()
	if store == nil {
		return nil, 0, api.ErrStoreNotRegistered
	}

	events, err := store.ListEventsAfter(ctx, agentID, cursor, limit)
	if err != nil {
		return nil, 0, err
	}
	if len(events) == 0 {
		return nil, cursor, nil
	}

	newCursor := events[len(events)-1].Sequence
	if err := store.CountDeliveries(ctx, agentID, newCursor); err != nil {
		return nil, 0, err
	}
	if err := store.SaveCursor(ctx, agentID, newCursor); err != nil {
		return nil, 0, err
	}
	return events, newCursor, nil
}

// Flush discards undelivered live events below the given priority from
// every subscriber queue. The emergency halt uses this to clear the way
// for override notifications.
func (f *Fabric) Flush(belowPriority int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for _, sub := range f.subscribers {
		total += sub.flush(belowPriority)
	}
	if total > 0 {
		logging.Info("Fabric", "flushed %d live events below priority %d", total, belowPriority)
	}
}

// SubscriberCount returns the number of attached live feeds.
func (f *Fabric) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// RunSweeper prunes events older than retention every interval until
// ctx is cancelled.
func (f *Fabric) RunSweeper(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store := api.GetStore()
			if store == nil {
				continue
			}
			pruned, _, err := store.PruneEvents(ctx, time.Now().Add(-retention))
			if err != nil {
				logging.Error("Fabric", err, "retention sweep failed")
				continue
			}
			f.pruneTotal.Add(float64(pruned))
		}
	}
}
