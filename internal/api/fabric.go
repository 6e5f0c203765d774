package api

import "context"

// Subscription is a live per-agent event feed. Events arrive in
// per-subscriber sequence order on C; the channel is bounded and the
// fabric applies the priority drop policy on overflow.
type Subscription struct {
	AgentID    string
	EventTypes []string
	C          <-chan Event
}

// FabricHandler is the event fabric: per-subscriber ordered delivery
// of committed events with durable cursors.
//
// Publish is invoked by the store inside its commit path, so events
// for one reducer are enqueued atomically with the commit and in
// commit order. Consume is the durable read path: it returns events
// past the given cursor, commits the new cursor, and counts message
// deliveries (acknowledgment is cursor-commit).
type FabricHandler interface {
	// Subscribe attaches a live feed for an agent. EventTypes filters
	// the feed; empty means all types. A second Subscribe for the same
	// agent replaces the first. Subscribing as the broadcast target "*"
	// attaches a tap receiving every published event.
	Subscribe(agentID string, eventTypes []string) (*Subscription, error)

	// Unsubscribe detaches the agent's live feed.
	Unsubscribe(agentID string)

	// Publish fans committed events out to subscriber queues, assigning
	// per-target sequences. Called by the store with the events of one
	// committed reducer.
	Publish(events []Event)

	// Consume returns up to limit durable events addressed to the agent
	// with sequence > cursor, then commits the cursor to the last
	// returned sequence. A cursor older than the retention horizon
	// fails with CursorExpired.
	Consume(ctx context.Context, agentID string, cursor uint64, limit int) ([]Event, uint64, error)

	// Flush discards all undelivered events below the given priority
	// from every subscriber queue. Used by the emergency halt.
	Flush(belowPriority int)

	// SubscriberCount returns the number of attached live feeds.
	SubscriberCount() int
}
