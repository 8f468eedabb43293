package reassembly

import "sync/atomic"

// Counters accumulates reassembly diagnostics. Atomic so the session's stats
// flusher can snapshot them without coordinating with the worker.
type Counters struct {
	UnitsQueued            atomic.Int64
	UnitsDropped           atomic.Int64
	DuplicatesDebounced    atomic.Int64
	FragmentErrors         atomic.Int64
	AssemblyOverflows      atomic.Int64
	Malformed              atomic.Int64
	KeyframesWithoutParams atomic.Int64
}

// CounterSnapshot is a point-in-time copy of the reassembly counters,
// embedded in the session stats payload.
type CounterSnapshot struct {
	UnitsQueued            int64 `json:"unitsQueued"`
	UnitsDropped           int64 `json:"unitsDropped"`
	DuplicatesDebounced    int64 `json:"duplicatesDebounced"`
	FragmentErrors         int64 `json:"fragmentErrors"`
	AssemblyOverflows      int64 `json:"assemblyOverflows"`
	Malformed              int64 `json:"malformed"`
	KeyframesWithoutParams int64 `json:"keyframesWithoutParams"`
}

func (c *Counters) snapshot() CounterSnapshot {
	return CounterSnapshot{
		UnitsQueued:            c.UnitsQueued.Load(),
		UnitsDropped:           c.UnitsDropped.Load(),
		DuplicatesDebounced:    c.DuplicatesDebounced.Load(),
		FragmentErrors:         c.FragmentErrors.Load(),
		AssemblyOverflows:      c.AssemblyOverflows.Load(),
		Malformed:              c.Malformed.Load(),
		KeyframesWithoutParams: c.KeyframesWithoutParams.Load(),
	}
}

func (c *Counters) reset() {
	c.UnitsQueued.Store(0)
	c.UnitsDropped.Store(0)
	c.DuplicatesDebounced.Store(0)
	c.FragmentErrors.Store(0)
	c.AssemblyOverflows.Store(0)
	c.Malformed.Store(0)
	c.KeyframesWithoutParams.Store(0)
}
