package session

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/facet/internal/reassembly"
)

// Stats accumulates session telemetry in a concurrency-safe manner using
// atomic counters. Diagnostic only; nothing here affects control flow.
type Stats struct {
	Packets             atomic.Int64
	Bytes               atomic.Int64
	UnitsSubmitted      atomic.Int64
	SubmitBusy          atomic.Int64
	FramesRendered      atomic.Int64
	DecodeErrors        atomic.Int64
	DecoderResets       atomic.Int64
	DroppedUnconfigured atomic.Int64
	CaptionPairs        atomic.Int64
	SocketErrors        atomic.Int64
	EventsDropped       atomic.Int64
}

// RecordPacket accounts one received datagram.
func (st *Stats) RecordPacket(n int) {
	st.Packets.Add(1)
	st.Bytes.Add(int64(n))
}

// Snapshot is the point-in-time stats payload flushed to the log every
// interval and carried on EventStatsTick.
type Snapshot struct {
	Timestamp           int64                      `json:"ts"`
	UptimeMs            int64                      `json:"uptimeMs"`
	Packets             int64                      `json:"packets"`
	Bytes               int64                      `json:"bytes"`
	UnitsSubmitted      int64                      `json:"unitsSubmitted"`
	SubmitBusy          int64                      `json:"submitBusy"`
	FramesRendered      int64                      `json:"framesRendered"`
	DecodeErrors        int64                      `json:"decodeErrors"`
	DecoderResets       int64                      `json:"decoderResets"`
	DroppedUnconfigured int64                      `json:"droppedUnconfigured"`
	CaptionPairs        int64                      `json:"captionPairs"`
	SocketErrors        int64                      `json:"socketErrors"`
	Reassembly          reassembly.CounterSnapshot `json:"reassembly"`
}

// Snapshot returns current session stats merged with the reassembler's
// counters. Safe to call from any goroutine.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:           time.Now().UnixMilli(),
		UptimeMs:            s.uptime().Milliseconds(),
		Packets:             s.stats.Packets.Load(),
		Bytes:               s.stats.Bytes.Load(),
		UnitsSubmitted:      s.stats.UnitsSubmitted.Load(),
		SubmitBusy:          s.stats.SubmitBusy.Load(),
		FramesRendered:      s.stats.FramesRendered.Load(),
		DecodeErrors:        s.stats.DecodeErrors.Load(),
		DecoderResets:       s.stats.DecoderResets.Load(),
		DroppedUnconfigured: s.stats.DroppedUnconfigured.Load(),
		CaptionPairs:        s.stats.CaptionPairs.Load(),
		SocketErrors:        s.stats.SocketErrors.Load(),
		Reassembly:          s.reasm.Counters(),
	}
}

func (s *Session) flushStats() {
	snap := s.Snapshot()
	s.log.Info("stats",
		"packets", snap.Packets,
		"bytes", snap.Bytes,
		"units_submitted", snap.UnitsSubmitted,
		"frames_rendered", snap.FramesRendered,
		"decode_errors", snap.DecodeErrors,
		"decoder_resets", snap.DecoderResets,
		"queue_drops", snap.Reassembly.UnitsDropped,
		"fragment_errors", snap.Reassembly.FragmentErrors,
		"caption_pairs", snap.CaptionPairs,
	)
	s.emit(Event{Kind: EventStatsTick, Stats: snap})
}
