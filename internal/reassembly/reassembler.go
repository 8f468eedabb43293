// Package reassembly implements the stateful protocol engine that turns raw
// datagram payloads into an ordered stream of complete, decoder-ready NAL
// units. It owns the parameter-set cache, the single in-flight fragment
// assembly, and the bounded output queue.
package reassembly

import (
	"log/slog"
	"time"

	"github.com/zsiec/facet/internal/h264"
)

const (
	// queueCapacity bounds the output FIFO. Overflow drops the newest unit:
	// under sustained overload the receiver favors freshness over completeness.
	queueCapacity = 60

	// assemblyLimit caps the fragment accumulation buffer. Exceeding it
	// aborts the in-flight assembly.
	assemblyLimit = 1 << 20

	// minAssembledNAL is the smallest credible reassembled NAL size
	// (header + payload, start code excluded). Shorter results are discarded.
	minAssembledNAL = 6
)

// assembly tracks the single in-flight fragmented NAL unit. Fragments whose
// type does not match the committed type are rejected, never merged.
type assembly struct {
	active  bool
	nalType byte
	buf     []byte
}

func (a *assembly) reset() {
	a.active = false
	a.buf = nil
}

// Reassembler consumes datagram payloads and produces complete NAL units in
// order. All mutation happens on the owning worker goroutine; the output
// queue is a buffered channel, safe for a single concurrent consumer.
type Reassembler struct {
	log    *slog.Logger
	queue  chan h264.NALUnit
	params paramCache
	asm    assembly

	counters Counters

	now func() time.Time // overridable in tests
}

// New creates a Reassembler for one stream session. If log is nil,
// slog.Default() is used.
func New(log *slog.Logger) *Reassembler {
	if log == nil {
		log = slog.Default()
	}
	return &Reassembler{
		log:   log.With("component", "reassembler"),
		queue: make(chan h264.NALUnit, queueCapacity),
		now:   time.Now,
	}
}

// Ingest consumes one datagram payload and returns true if at least one
// complete unit was queued as a result. Malformed input and duplicate
// parameter sets are counted and dropped, never surfaced as errors.
func (r *Reassembler) Ingest(raw []byte) bool {
	pkt := h264.Classify(raw)

	switch pkt.Kind {
	case h264.PacketComplete:
		return r.handleUnit(h264.NewUnit(pkt.NAL))

	case h264.PacketFragmentStart:
		r.beginAssembly(pkt)
		return false

	case h264.PacketFragmentMiddle:
		r.appendFragment(pkt)
		return false

	case h264.PacketFragmentEnd:
		if !r.appendFragment(pkt) {
			return false
		}
		return r.finishAssembly()

	default:
		r.counters.Malformed.Add(1)
		r.log.Debug("dropping malformed datagram", "reason", pkt.Reason, "bytes", len(raw))
		return false
	}
}

// handleUnit applies the per-type policy to one complete unit. Reassembled
// fragments flow through here too, so a fragmented IDR still gets its
// parameter sets re-emitted ahead of it.
func (r *Reassembler) handleUnit(u h264.NALUnit) bool {
	switch u.Type {
	case h264.NALTypeSPS, h264.NALTypePPS:
		if !r.params.accept(u, r.now()) {
			r.counters.DuplicatesDebounced.Add(1)
			return false
		}
		return r.enqueue(u)

	case h264.NALTypeIDR:
		queued := false
		if sps, pps, ok := r.params.both(); ok {
			// A decoder attaching mid-stream must see parameter sets
			// immediately before any keyframe it is asked to decode.
			queued = r.enqueue(sps) || queued
			queued = r.enqueue(pps) || queued
		} else {
			r.counters.KeyframesWithoutParams.Add(1)
			r.log.Warn("keyframe before parameter sets, decode may fail downstream")
		}
		return r.enqueue(u) || queued

	default:
		return r.enqueue(u)
	}
}

func (r *Reassembler) beginAssembly(pkt h264.Packet) {
	if r.asm.active {
		r.counters.FragmentErrors.Add(1)
		r.log.Debug("start fragment while assembly in flight, restarting",
			"in_flight_type", r.asm.nalType, "new_type", pkt.Type)
	}

	buf := make([]byte, 0, len(h264.StartCode)+1+len(pkt.NAL))
	buf = append(buf, h264.StartCode...)
	buf = append(buf, pkt.Header)
	buf = append(buf, pkt.NAL...)

	r.asm = assembly{active: true, nalType: pkt.Type, buf: buf}
}

// appendFragment adds a middle or end fragment's payload to the in-flight
// assembly. Returns false if the fragment was rejected or the assembly
// aborted.
func (r *Reassembler) appendFragment(pkt h264.Packet) bool {
	if !r.asm.active {
		r.counters.FragmentErrors.Add(1)
		r.log.Debug("fragment without assembly in flight", "type", pkt.Type)
		return false
	}
	if pkt.Type != r.asm.nalType {
		r.counters.FragmentErrors.Add(1)
		r.log.Debug("fragment type mismatch, rejecting",
			"in_flight_type", r.asm.nalType, "fragment_type", pkt.Type)
		return false
	}
	if len(r.asm.buf)+len(pkt.NAL) > assemblyLimit {
		r.counters.AssemblyOverflows.Add(1)
		r.log.Warn("assembly buffer overflow, aborting in-flight unit",
			"type", r.asm.nalType, "size", len(r.asm.buf))
		r.asm.reset()
		return false
	}

	r.asm.buf = append(r.asm.buf, pkt.NAL...)
	return true
}

func (r *Reassembler) finishAssembly() bool {
	buf := r.asm.buf
	r.asm.reset()

	if len(buf)-len(h264.StartCode) <= minAssembledNAL {
		r.counters.FragmentErrors.Add(1)
		r.log.Debug("discarding implausibly small reassembled unit", "bytes", len(buf))
		return false
	}

	header := buf[len(h264.StartCode)]
	return r.handleUnit(h264.NALUnit{
		Type:   h264.NALType(header),
		RefIdc: h264.RefIdc(header),
		Data:   buf,
	})
}

// enqueue performs a non-blocking insert into the output queue. A full queue
// drops the new unit rather than blocking the receive loop.
func (r *Reassembler) enqueue(u h264.NALUnit) bool {
	select {
	case r.queue <- u:
		r.counters.UnitsQueued.Add(1)
		return true
	default:
		r.counters.UnitsDropped.Add(1)
		r.log.Debug("output queue full, dropping unit", "type", u.Type, "bytes", len(u.Data))
		return false
	}
}

// NextUnit pops the oldest queued unit, or returns false if none is
// available. Non-blocking.
func (r *Reassembler) NextUnit() (h264.NALUnit, bool) {
	select {
	case u := <-r.queue:
		return u, true
	default:
		return h264.NALUnit{}, false
	}
}

// HasUnits reports whether at least one complete unit is queued.
func (r *Reassembler) HasUnits() bool {
	return len(r.queue) > 0
}

// CodecParameters returns the cached SPS and PPS unit bytes (start code
// included) when both are present. Used to gate decoder (re)initialization.
func (r *Reassembler) CodecParameters() (sps, pps []byte, ok bool) {
	s, p, ok := r.params.both()
	if !ok {
		return nil, nil, false
	}
	return s.Data, p.Data, true
}

// Counters returns a snapshot of the diagnostic counters.
func (r *Reassembler) Counters() CounterSnapshot {
	return r.counters.snapshot()
}

// Clear empties the queue, the fragmentation state, the parameter-set cache,
// and the counters. The Reassembler is then safe to reuse for a new session.
func (r *Reassembler) Clear() {
	for {
		select {
		case <-r.queue:
		default:
			r.asm.reset()
			r.params = paramCache{}
			r.counters.reset()
			return
		}
	}
}
