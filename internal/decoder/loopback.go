package decoder

import (
	"sync"
	"time"
)

// Loopback is an in-memory Decoder used by tests and by cmd/facet's loopback
// mode for protocol soak runs without a platform codec. Every submitted
// access unit becomes one output buffer with the same timestamp.
//
// Failure injection: RejectFormats makes Configure fail for specific pixel
// formats; FailSubmits makes the next N Submit calls fail with ErrWrongState,
// the transient wrong-state error class the session self-heals from;
// BusySubmits makes the next N Submit calls report ErrTryAgain;
// FormatChangedPolls makes the next N Poll calls report ErrFormatChanged.
type Loopback struct {
	mu         sync.Mutex
	configured bool
	cfg        Config
	nextID     int
	pending    []OutputBuffer

	submitted int64
	rendered  int64
	dropped   int64

	RejectFormats      map[PixelFormat]bool
	FailSubmits        int
	BusySubmits        int
	FormatChangedPolls int
}

// NewLoopback creates an unconfigured loopback decoder.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Configure records the configuration. Formats listed in RejectFormats fail
// with ErrUnsupportedFormat, exercising the session's fallback retry.
func (l *Loopback) Configure(cfg Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.RejectFormats[cfg.PixelFormat] {
		return ErrUnsupportedFormat
	}
	l.cfg = cfg
	l.configured = true
	l.pending = nil
	return nil
}

// Submit accepts one access unit and queues a matching output buffer.
func (l *Loopback) Submit(data []byte, pts int64, flags uint32) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.configured {
		return 0, ErrNotConfigured
	}
	if l.FailSubmits > 0 {
		l.FailSubmits--
		return 0, ErrWrongState
	}
	if l.BusySubmits > 0 {
		l.BusySubmits--
		return 0, ErrTryAgain
	}

	l.nextID++
	l.submitted++
	l.pending = append(l.pending, OutputBuffer{
		ID:    l.nextID,
		Size:  len(data),
		Flags: flags,
		PTS:   pts,
	})
	return l.nextID, nil
}

// Poll pops the oldest pending output buffer, or ErrTryAgain if none. The
// timeout is accepted for interface compatibility; nothing blocks here.
func (l *Loopback) Poll(time.Duration) (OutputBuffer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.configured {
		return OutputBuffer{}, ErrNotConfigured
	}
	if l.FormatChangedPolls > 0 {
		l.FormatChangedPolls--
		return OutputBuffer{}, ErrFormatChanged
	}
	if len(l.pending) == 0 {
		return OutputBuffer{}, ErrTryAgain
	}
	buf := l.pending[0]
	l.pending = l.pending[1:]
	return buf, nil
}

// Release counts the buffer as rendered or dropped.
func (l *Loopback) Release(_ OutputBuffer, render bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if render {
		l.rendered++
	} else {
		l.dropped++
	}
	return nil
}

// Close tears down the loopback state. Configure may be called again after.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.configured = false
	l.pending = nil
	return nil
}

// Configured reports whether the decoder currently holds a configuration.
func (l *Loopback) Configured() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.configured
}

// LastConfig returns the most recent configuration passed to Configure.
func (l *Loopback) LastConfig() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Counts returns the number of buffers submitted, rendered, and dropped.
func (l *Loopback) Counts() (submitted, rendered, dropped int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitted, l.rendered, l.dropped
}
