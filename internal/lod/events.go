package lod

// EventKind names a point in a chain's life.
type EventKind string

const (
	EventClaimed   EventKind = "claimed"
	EventLoading   EventKind = "loading"
	EventAssigned  EventKind = "assigned"
	EventScheduled EventKind = "upgrade-scheduled"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event reports chain progress to an Observer.
type Event struct {
	Kind      EventKind
	AssetID   int
	AssetName string
	// Variant is the variant id being loaded or assigned.
	Variant int
	// Position is the variant's index in the chain; 0 is the original.
	Position int
	// Length is the number of variants in the chain.
	Length int
	IsNew  bool
	Err    error
}

// Observer receives chain events on the event loop.
type Observer func(Event)
