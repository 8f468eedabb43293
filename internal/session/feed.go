package session

import (
	"errors"
	"fmt"

	"github.com/zsiec/ccx"

	"github.com/zsiec/facet/internal/decoder"
	"github.com/zsiec/facet/internal/h264"
)

// drain feeds every currently available complete unit to the decoder. Only a
// fatal configuration failure propagates; everything else degrades in place.
func (s *Session) drain() error {
	for {
		u, ok := s.reasm.NextUnit()
		if !ok {
			return nil
		}
		if err := s.feed(u); err != nil {
			return err
		}
	}
}

func (s *Session) feed(u h264.NALUnit) error {
	switch u.Type {
	case h264.NALTypeSPS, h264.NALTypePPS:
		if !s.configured || s.awaitingParams {
			if sps, pps, ok := s.reasm.CodecParameters(); ok {
				return s.configure(sps, pps)
			}
			return nil // wait for the other half of the pair
		}
		s.submit(u)
		return nil

	case h264.NALTypeIDR:
		if !s.configured {
			s.bufferKeyframe(u)
			return nil
		}
		s.submit(u)
		return nil

	case h264.NALTypeSEI:
		s.recordCaptions(u)
		fallthrough

	default:
		if !s.configured {
			s.stats.DroppedUnconfigured.Add(1)
			return nil
		}
		s.submit(u)
		return nil
	}
}

// bufferKeyframe holds an IDR that arrived before the decoder was configured
// so it can be replayed the moment configuration succeeds.
func (s *Session) bufferKeyframe(u h264.NALUnit) {
	if len(s.pending) >= s.cfg.PendingKeyframeLimit {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, u)
	s.log.Warn("keyframe before decoder configuration, buffering", "pending", len(s.pending))
}

// configure tears down any existing decoder instance and reinitializes it
// from the cached parameter sets, retrying once with an alternate pixel
// format. A failure after the fallback is fatal for the session.
func (s *Session) configure(sps, pps []byte) error {
	if s.configured {
		s.dec.Close()
		s.configured = false
	}

	width, height := s.width, s.height
	if width == 0 || height == 0 {
		width, height = s.cfg.FallbackWidth, s.cfg.FallbackHeight
	}
	codec := ""
	if info, err := h264.ParseSPS(sps[len(h264.StartCode):]); err == nil && info.Width > 0 {
		width, height = info.Width, info.Height
		codec = info.CodecString()
	} else {
		s.log.Debug("SPS dimension inference failed, using fallback", "width", width, "height", height)
	}

	cfg := decoder.Config{
		Width:      width,
		Height:     height,
		SPS:        sps,
		PPS:        pps,
		Surface:    s.cfg.Surface,
		LowLatency: true,
	}

	formats := s.cfg.PixelFormats
	if len(formats) > 2 {
		formats = formats[:2] // primary plus one fallback, never more
	}

	var lastErr error
	for _, pf := range formats {
		cfg.PixelFormat = pf
		lastErr = s.dec.Configure(cfg)
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, decoder.ErrUnsupportedFormat) {
			break
		}
		s.log.Warn("pixel format rejected, trying alternate", "format", pf.String())
	}
	if lastErr != nil {
		return fmt.Errorf("configure decoder %dx%d: %w", width, height, lastErr)
	}

	s.configured = true
	s.awaitingParams = false
	s.decodeErrors = 0
	s.width, s.height = width, height

	s.log.Info("decoder configured", "width", width, "height", height, "codec", codec)
	s.emit(Event{Kind: EventConfigured, Width: width, Height: height, Codec: codec})

	// Replay keyframes that arrived before configuration.
	pending := s.pending
	s.pending = nil
	for _, k := range pending {
		s.submit(k)
	}
	return nil
}

// submit pushes one access unit into the decoder and drains any ready output
// buffers. Decode errors are counted and self-heal; nothing propagates.
func (s *Session) submit(u h264.NALUnit) {
	pts := s.uptime().Microseconds()

	var flags uint32
	switch {
	case u.Type == h264.NALTypeIDR:
		flags = decoder.FlagKeyframe
	case h264.IsParameterSet(u.Type):
		flags = decoder.FlagConfig
	}

	_, err := s.dec.Submit(u.Data, pts, flags)
	switch {
	case err == nil:
		s.stats.UnitsSubmitted.Add(1)
	case errors.Is(err, decoder.ErrTryAgain):
		// Input queue full: drop this unit, favoring freshness.
		s.stats.SubmitBusy.Add(1)
		return
	default:
		s.recordDecodeError(err)
		return
	}

	s.pollOutput()
}

// pollOutput releases every decoded buffer currently available for render.
func (s *Session) pollOutput() {
	formatChanged := false
	for {
		out, err := s.dec.Poll(s.cfg.PollTimeout)
		switch {
		case err == nil:
			if rerr := s.dec.Release(out, true); rerr != nil {
				s.recordDecodeError(rerr)
				return
			}
			s.stats.FramesRendered.Add(1)
		case errors.Is(err, decoder.ErrTryAgain):
			return
		case errors.Is(err, decoder.ErrFormatChanged):
			// Honored once per cycle; a decoder that keeps reporting it
			// must not pin the worker inside one drain.
			if formatChanged {
				return
			}
			formatChanged = true
			s.log.Info("decoder output format changed")
		default:
			s.recordDecodeError(err)
			return
		}
	}
}

// recordDecodeError counts one transient decoder error. Past the storm
// threshold the decoder is torn down and readiness flags reset, forcing
// reinitialization on the next parameter-set pair.
func (s *Session) recordDecodeError(err error) {
	s.decodeErrors++
	s.stats.DecodeErrors.Add(1)
	s.log.Debug("decoder error", "error", err, "count", s.decodeErrors)

	if s.decodeErrors <= s.cfg.ErrorStormThreshold {
		return
	}

	s.log.Warn("decoder error storm, resetting decoder", "errors", s.decodeErrors)
	s.dec.Close()
	s.configured = false
	s.awaitingParams = true
	s.decodeErrors = 0
	s.stats.DecoderResets.Add(1)
	s.emit(Event{Kind: EventDecoderError, Err: err})
}

// recordCaptions surfaces CEA-608/708 activity carried in SEI units as a
// diagnostic counter. Caption payloads are not decoded further here.
func (s *Session) recordCaptions(u h264.NALUnit) {
	cd := ccx.ExtractCaptions(u.Payload())
	if cd == nil {
		return
	}
	s.stats.CaptionPairs.Add(int64(len(cd.CC608Pairs)))
}
