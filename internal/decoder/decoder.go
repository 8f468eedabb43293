// Package decoder defines the boundary between the decode-feed loop and the
// externally owned video decoder. The core only supplies access-unit byte
// buffers and a target surface reference; the codec implementation behind the
// interface is platform-specific and out of scope.
package decoder

import (
	"errors"
	"time"
)

// Sentinel signals at the decoder boundary. ErrTryAgain and ErrFormatChanged
// mirror the dequeue semantics of platform codecs and are expected flow
// control, not failures.
var (
	ErrTryAgain          = errors.New("decoder: try again")
	ErrFormatChanged     = errors.New("decoder: output format changed")
	ErrUnsupportedFormat = errors.New("decoder: unsupported pixel format")
	ErrNotConfigured     = errors.New("decoder: not configured")
	ErrWrongState        = errors.New("decoder: wrong state")
)

// PixelFormat selects the decoder's output pixel layout.
type PixelFormat int

// Pixel formats attempted during configuration, in preference order.
const (
	PixelFormatNV12 PixelFormat = iota
	PixelFormatI420
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatI420:
		return "i420"
	default:
		return "unknown"
	}
}

// Surface is the opaque rendering target handle passed through at
// configuration time. The core never reads pixels from it.
type Surface any

// Config carries everything needed to (re)initialize a decoder for
// minimum-latency operation: parameter sets, inferred dimensions, output
// format, and the rendering target.
type Config struct {
	Width       int
	Height      int
	SPS         []byte // Annex B, start code included
	PPS         []byte
	PixelFormat PixelFormat
	Surface     Surface
	LowLatency  bool // no frame reordering, immediate output availability
}

// Flags on access-unit submission.
const (
	FlagKeyframe uint32 = 1 << iota
	FlagConfig
)

// OutputBuffer describes one decoded buffer returned by Poll. The buffer
// stays owned by the decoder until released.
type OutputBuffer struct {
	ID    int
	Size  int
	Flags uint32
	PTS   int64 // microseconds
}

// Decoder is the access-unit submission interface the decode-feed loop
// drives. Submit and Poll take bounded timeouts internally so a stalled
// decoder cannot stall datagram reception; both return ErrTryAgain when no
// buffer is available.
type Decoder interface {
	// Configure (re)initializes the decoder. It must be callable again after
	// Close. ErrUnsupportedFormat indicates the pixel format should be
	// retried with an alternate.
	Configure(cfg Config) error

	// Submit queues one access unit with its presentation timestamp in
	// microseconds, returning an input-buffer handle.
	Submit(data []byte, pts int64, flags uint32) (int, error)

	// Poll retrieves one decoded output buffer, waiting at most timeout.
	Poll(timeout time.Duration) (OutputBuffer, error)

	// Release returns an output buffer to the decoder, rendering it to the
	// configured surface when render is true.
	Release(buf OutputBuffer, render bool) error

	// Close tears the decoder down. Safe to call when unconfigured.
	Close() error
}
