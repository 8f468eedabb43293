package session

// EventKind discriminates the typed events a session emits to its owner.
type EventKind int

// Session event kinds.
const (
	// EventConfigured fires after each successful decoder (re)initialization.
	EventConfigured EventKind = iota
	// EventDecoderError reports a decoder reset (Fatal=false) or a
	// configuration failure that ends the session (Fatal=true).
	EventDecoderError
	// EventStatsTick carries a periodic stats snapshot.
	EventStatsTick
)

// Event is one message on the session's output channel. The owning layer
// consumes these instead of registering callbacks into the worker.
type Event struct {
	Kind   EventKind
	Width  int
	Height int
	Codec  string
	Err    error
	Fatal  bool
	Stats  Snapshot
}

// eventBufferSize absorbs bursts when the owner is slow to consume; emit
// never blocks the worker.
const eventBufferSize = 16

// Events returns the channel the owning session consumes typed events from.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.stats.EventsDropped.Add(1)
	}
}
