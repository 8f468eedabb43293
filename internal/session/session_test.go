package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/facet/internal/decoder"
	"github.com/zsiec/facet/internal/ingest"
)

// sps720p is a real 720p high-profile SPS so dimension inference exercises
// the actual parser.
var sps720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var pps = []byte{0x68, 0xCE, 0x38, 0x80, 0x01, 0x02, 0x03, 0x04}

func idr() []byte {
	return []byte{0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE, 0x01}
}

func slice(seq byte) []byte {
	return []byte{0x41, 0x9A, seq, 0x10, 0x20, 0x30}
}

// scriptedSource delivers pre-queued datagrams and then times out, standing
// in for the UDP socket.
type scriptedSource struct {
	packets chan []byte
	done    chan struct{}
	once    sync.Once
}

func newScriptedSource(depth int) *scriptedSource {
	return &scriptedSource{
		packets: make(chan []byte, depth),
		done:    make(chan struct{}),
	}
}

func (f *scriptedSource) Receive(buf []byte, timeout time.Duration) (int, error) {
	select {
	case p := <-f.packets:
		return copy(buf, p), nil
	case <-f.done:
		return 0, ingest.ErrClosed
	case <-time.After(timeout):
		return 0, ingest.ErrTimeout
	}
}

func (f *scriptedSource) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func newTestSession(t *testing.T, dec decoder.Decoder, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Decoder:        dec,
		NewSource:      func(string) (ingest.PacketSource, error) { return newScriptedSource(64), nil },
		ReceiveTimeout: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

// ingestAndDrain runs datagrams through the feed path synchronously, the way
// the worker does.
func ingestAndDrain(t *testing.T, s *Session, datagrams ...[]byte) {
	t.Helper()
	for _, d := range datagrams {
		s.reasm.Ingest(d)
		require.NoError(t, s.drain())
	}
}

func TestConfiguresOnParameterSetPair(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, nil)

	ingestAndDrain(t, s, sps720p, pps)

	require.True(t, dec.Configured())
	cfg := dec.LastConfig()
	require.Equal(t, 1280, cfg.Width)
	require.Equal(t, 720, cfg.Height)
	require.True(t, cfg.LowLatency)
	require.NotEmpty(t, cfg.SPS)
	require.NotEmpty(t, cfg.PPS)

	ev := <-s.Events()
	require.Equal(t, EventConfigured, ev.Kind)
	require.Equal(t, 1280, ev.Width)
	require.Equal(t, "avc1.64001F", ev.Codec)
}

func TestFeedsUnitsAfterConfiguration(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, nil)

	ingestAndDrain(t, s, sps720p, pps, idr(), slice(1), slice(2))

	// The IDR pulls a re-emitted SPS+PPS ahead of it: 3 units, then 2 slices.
	submitted, rendered, _ := dec.Counts()
	require.Equal(t, int64(5), submitted)
	require.Equal(t, int64(5), rendered)
	require.Equal(t, int64(5), s.stats.UnitsSubmitted.Load())
}

func TestPendingKeyframeReplayedAfterConfigure(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, nil)

	// Keyframe arrives before any parameter sets: buffered, not discarded.
	ingestAndDrain(t, s, idr())
	submitted, _, _ := dec.Counts()
	require.Zero(t, submitted)
	require.Len(t, s.pending, 1)

	ingestAndDrain(t, s, sps720p, pps)

	require.True(t, dec.Configured())
	require.Empty(t, s.pending)
	submitted, _, _ = dec.Counts()
	require.Equal(t, int64(1), submitted, "buffered keyframe must be replayed")

	buf, err := dec.Poll(0)
	if err == nil {
		require.NotZero(t, buf.Flags&decoder.FlagKeyframe)
	}
}

func TestPendingKeyframeListBounded(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, func(c *Config) { c.PendingKeyframeLimit = 2 })

	ingestAndDrain(t, s, idr(), idr(), idr())
	require.Len(t, s.pending, 2)
}

func TestPixelFormatFallback(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	dec.RejectFormats = map[decoder.PixelFormat]bool{decoder.PixelFormatNV12: true}
	s := newTestSession(t, dec, nil)

	ingestAndDrain(t, s, sps720p, pps)

	require.True(t, dec.Configured())
	require.Equal(t, decoder.PixelFormatI420, dec.LastConfig().PixelFormat)
}

func TestConfigurationFailureIsFatal(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	dec.RejectFormats = map[decoder.PixelFormat]bool{
		decoder.PixelFormatNV12: true,
		decoder.PixelFormatI420: true,
	}
	s := newTestSession(t, dec, nil)

	s.reasm.Ingest(sps720p)
	require.NoError(t, s.drain())
	s.reasm.Ingest(pps)
	require.Error(t, s.drain(), "both formats rejected must surface upward")
	require.False(t, dec.Configured())
}

func TestErrorStormResetsDecoder(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, func(c *Config) { c.ErrorStormThreshold = 2 })

	ingestAndDrain(t, s, sps720p, pps)
	require.True(t, dec.Configured())
	<-s.Events() // EventConfigured

	dec.FailSubmits = 3
	ingestAndDrain(t, s, slice(1), slice(2), slice(3))

	require.False(t, dec.Configured(), "storm past threshold must tear the decoder down")
	require.True(t, s.awaitingParams)
	require.Equal(t, int64(1), s.stats.DecoderResets.Load())

	ev := <-s.Events()
	require.Equal(t, EventDecoderError, ev.Kind)
	require.False(t, ev.Fatal)

	// The next keyframe re-emits cached parameter sets, which reinitialize
	// the decoder and replay cleanly.
	ingestAndDrain(t, s, idr())
	require.True(t, dec.Configured())
	require.Equal(t, int64(1), s.stats.DecoderResets.Load())
}

func TestSubmitBusyDropsUnit(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, nil)

	ingestAndDrain(t, s, sps720p, pps)
	dec.BusySubmits = 1

	ingestAndDrain(t, s, slice(1))
	require.Equal(t, int64(1), s.stats.SubmitBusy.Load())
	require.Zero(t, s.stats.DecodeErrors.Load(), "busy input queue is not a decode error")
}

func TestNonKeyframesDroppedBeforeConfiguration(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, nil)

	ingestAndDrain(t, s, slice(1), slice(2))
	submitted, _, _ := dec.Counts()
	require.Zero(t, submitted)
	require.Equal(t, int64(2), s.stats.DroppedUnconfigured.Load())
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	src := newScriptedSource(64)
	s := newTestSession(t, dec, func(c *Config) {
		c.NewSource = func(string) (ingest.PacketSource, error) { return src, nil }
	})

	require.NoError(t, s.Start("peer:5600"))
	require.Error(t, s.Start("peer:5600"), "double start must be rejected")

	src.packets <- sps720p
	src.packets <- pps

	require.Eventually(t, dec.Configured, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // idempotent

	require.False(t, dec.Configured(), "teardown must close the decoder")
	require.False(t, s.reasm.HasUnits())

	// A stopped session can be started again with fresh state.
	require.NoError(t, s.Start("peer:5600"))
	s.Stop()
}

func TestStopFromAnotherGoroutine(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, nil)

	require.NoError(t, s.Start("peer:5600"))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStatsTickEmitted(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	src := newScriptedSource(64)
	s := newTestSession(t, dec, func(c *Config) {
		c.NewSource = func(string) (ingest.PacketSource, error) { return src, nil }
		c.StatsInterval = 20 * time.Millisecond
		c.ReceiveTimeout = 5 * time.Millisecond
	})

	require.NoError(t, s.Start("peer:5600"))
	defer s.Stop()

	src.packets <- sps720p
	src.packets <- pps

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == EventStatsTick {
				require.GreaterOrEqual(t, ev.Stats.Packets, int64(2))
				return
			}
		case <-deadline:
			t.Fatal("no stats tick observed")
		}
	}
}

func TestSnapshotMergesReassemblyCounters(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, nil)

	ingestAndDrain(t, s, sps720p, pps, sps720p) // third is a debounced duplicate

	snap := s.Snapshot()
	require.Equal(t, int64(1), snap.Reassembly.DuplicatesDebounced)
	require.Equal(t, int64(2), snap.Reassembly.UnitsQueued)
}

func TestSnapshotConcurrentWithWorker(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	src := newScriptedSource(64)
	s := newTestSession(t, dec, func(c *Config) {
		c.NewSource = func(string) (ingest.PacketSource, error) { return src, nil }
		c.ReceiveTimeout = 5 * time.Millisecond
	})

	require.NoError(t, s.Start("peer:5600"))
	defer s.Stop()

	src.packets <- sps720p
	src.packets <- pps

	// Hammer Snapshot from the owner goroutine while the worker is live; the
	// race detector flags any unsynchronized state shared with the loop.
	for i := 0; i < 1000; i++ {
		snap := s.Snapshot()
		require.GreaterOrEqual(t, snap.UptimeMs, int64(0))
	}
}

func TestPersistentFormatChangeDoesNotSpin(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	s := newTestSession(t, dec, nil)

	ingestAndDrain(t, s, sps720p, pps)
	require.True(t, dec.Configured())

	// A decoder stuck reporting format-changed must not pin the worker
	// inside one drain; the submit below has to return.
	dec.FormatChangedPolls = 1 << 20
	ingestAndDrain(t, s, slice(1))

	submitted, rendered, _ := dec.Counts()
	require.Equal(t, int64(1), submitted)
	require.Zero(t, rendered, "no buffer can render while format-changed persists")
	require.Zero(t, s.stats.DecodeErrors.Load(), "format change is not a decode error")
}

func TestWorkerSelfExitReleasesHandles(t *testing.T) {
	t.Parallel()
	dec := decoder.NewLoopback()
	dec.RejectFormats = map[decoder.PixelFormat]bool{
		decoder.PixelFormatNV12: true,
		decoder.PixelFormatI420: true,
	}
	src := newScriptedSource(64)
	s := newTestSession(t, dec, func(c *Config) {
		c.NewSource = func(string) (ingest.PacketSource, error) { return src, nil }
	})

	require.NoError(t, s.Start("peer:5600"))
	src.packets <- sps720p
	src.packets <- pps

	ev := <-s.Events()
	require.Equal(t, EventDecoderError, ev.Kind)
	require.True(t, ev.Fatal)

	// The worker died on its own; its context and socket handles must be
	// released without a Stop call.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.running && s.cancel == nil && s.src == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Start("peer:5600"), "session must be restartable after a fatal exit")
	s.Stop()
}
