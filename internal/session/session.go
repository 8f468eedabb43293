// Package session drives the decode-feed loop for one stream: it owns the
// worker goroutine that receives datagrams, runs them through the
// reassembler, and feeds complete access units to the decoder.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/facet/internal/decoder"
	"github.com/zsiec/facet/internal/h264"
	"github.com/zsiec/facet/internal/ingest"
	"github.com/zsiec/facet/internal/reassembly"
)

// SourceFactory opens the datagram source for an endpoint when the session
// starts. Injected so tests can run without sockets.
type SourceFactory func(endpoint string) (ingest.PacketSource, error)

// Config wires a Session to its collaborators and tunes the loop. Zero
// values take the defaults noted per field.
type Config struct {
	Decoder   decoder.Decoder
	Surface   decoder.Surface
	NewSource SourceFactory
	Log       *slog.Logger

	// ReceiveTimeout bounds one blocking datagram receive (default 1s).
	ReceiveTimeout time.Duration
	// PollTimeout bounds one decoder output dequeue (default 5ms) so a
	// stalled decoder cannot stall datagram reception.
	PollTimeout time.Duration
	// StatsInterval is the flush period for the stats log line (default 5s).
	StatsInterval time.Duration
	// ErrorStormThreshold is the decode error count that triggers a decoder
	// reset (default 30).
	ErrorStormThreshold int
	// PendingKeyframeLimit caps keyframes buffered before the decoder is
	// configured (default 4, oldest dropped).
	PendingKeyframeLimit int
	// PixelFormats are tried in order during configuration; only the first
	// two are ever attempted (default NV12 then I420).
	PixelFormats []decoder.PixelFormat
	// FallbackWidth/Height are used when SPS dimension inference fails and
	// no earlier dimensions are known (default 1280x720).
	FallbackWidth  int
	FallbackHeight int
}

func (c *Config) applyDefaults() {
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = time.Second
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 5 * time.Millisecond
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.ErrorStormThreshold == 0 {
		c.ErrorStormThreshold = 30
	}
	if c.PendingKeyframeLimit == 0 {
		c.PendingKeyframeLimit = 4
	}
	if len(c.PixelFormats) == 0 {
		c.PixelFormats = []decoder.PixelFormat{decoder.PixelFormatNV12, decoder.PixelFormatI420}
	}
	if c.FallbackWidth == 0 || c.FallbackHeight == 0 {
		c.FallbackWidth, c.FallbackHeight = 1280, 720
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Session owns one stream's receive/reassemble/feed worker. Reassembler and
// decoder state are touched only from that worker; Start, Stop, Snapshot,
// and Events are safe from any goroutine.
type Session struct {
	log   *slog.Logger
	cfg   Config
	dec   decoder.Decoder
	reasm *reassembly.Reassembler
	stats Stats

	events chan Event
	// epoch is the UnixNano start time of the current run, read by Snapshot
	// from any goroutine.
	epoch atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	src     ingest.PacketSource
	running bool

	// Worker-owned feed state.
	configured     bool
	awaitingParams bool
	pending        []h264.NALUnit
	decodeErrors   int
	width, height  int
}

// New creates a Session. Decoder and NewSource are required.
func New(cfg Config) (*Session, error) {
	if cfg.Decoder == nil {
		return nil, errors.New("session: decoder is required")
	}
	if cfg.NewSource == nil {
		return nil, errors.New("session: source factory is required")
	}
	cfg.applyDefaults()

	log := cfg.Log.With("component", "session")
	s := &Session{
		log:    log,
		cfg:    cfg,
		dec:    cfg.Decoder,
		reasm:  reassembly.New(log),
		events: make(chan Event, eventBufferSize),
	}
	s.epoch.Store(time.Now().UnixNano())
	return s, nil
}

// uptime is the elapsed time since the current run started.
func (s *Session) uptime() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.epoch.Load())
}

// Start opens the endpoint and launches the worker. It returns an error if
// the session is already running or the source cannot be opened.
func (s *Session) Start(endpoint string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session: already started")
	}

	src, err := s.cfg.NewSource(endpoint)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.src = src
	s.running = true
	s.epoch.Store(time.Now().UnixNano())
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.run(ctx, src); err != nil {
			s.log.Error("session ended", "error", err)
		}
		// Release the context and the handles even when the loop ended on
		// its own rather than through Stop.
		cancel()
		s.mu.Lock()
		if s.done == done {
			s.cancel = nil
			s.src = nil
			s.running = false
		}
		s.mu.Unlock()
	}()

	s.log.Info("session started", "endpoint", endpoint)
	return nil
}

// Stop cancels the worker, closes the socket, and waits for the loop to
// drain. Idempotent and safe to call from any goroutine.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done, src := s.cancel, s.done, s.src
	s.cancel = nil
	s.src = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		src.Close()
	}
	if done != nil {
		<-done
	}
}

// run is the worker loop: receive with timeout, ingest, drain, repeat. A
// closed socket or cancelled context ends the loop cleanly; only a fatal
// decoder configuration failure returns an error.
func (s *Session) run(ctx context.Context, src ingest.PacketSource) error {
	defer s.teardown(src)

	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	buf := make([]byte, ingest.MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-ticker.C:
			s.flushStats()
		default:
		}

		n, err := src.Receive(buf, s.cfg.ReceiveTimeout)
		switch {
		case errors.Is(err, ingest.ErrTimeout):
			continue
		case errors.Is(err, ingest.ErrClosed):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			s.stats.SocketErrors.Add(1)
			s.log.Warn("receive error", "error", err)
			continue
		}

		s.stats.RecordPacket(n)
		s.reasm.Ingest(buf[:n])

		if err := s.drain(); err != nil {
			s.emit(Event{Kind: EventDecoderError, Err: err, Fatal: true})
			return err
		}
	}
}

// teardown flushes final stats and resets all per-session state so the
// Session can be started again.
func (s *Session) teardown(src ingest.PacketSource) {
	src.Close()
	s.flushStats()

	if s.configured {
		s.dec.Close()
	}
	s.configured = false
	s.awaitingParams = false
	s.pending = nil
	s.decodeErrors = 0
	s.reasm.Clear()

	s.log.Info("session stopped")
}
