package reassembly

import (
	"time"

	"github.com/zsiec/facet/internal/h264"
)

// fingerprintLen is the number of payload bytes after the NAL header used for
// cheap parameter-set equality checks.
const fingerprintLen = 15

// acceptDebounce is the window within which a byte-identical parameter set is
// treated as a retransmitted duplicate rather than a replacement.
const acceptDebounce = 100 * time.Millisecond

// paramSet caches one current parameter set: the full unit for re-emission
// plus the essential fingerprint for duplicate detection.
type paramSet struct {
	unit       h264.NALUnit
	fp         [fingerprintLen]byte
	fpLen      int
	acceptedAt time.Time
	present    bool
}

func fingerprint(u h264.NALUnit) (fp [fingerprintLen]byte, n int) {
	// Skip the NAL header byte; the fingerprint covers the "essential" bytes
	// that differ whenever the encoder changes configuration.
	body := u.Payload()[1:]
	n = copy(fp[:], body)
	return fp, n
}

// paramCache holds at most one current SPS and one current PPS.
type paramCache struct {
	sps paramSet
	pps paramSet
}

func (c *paramCache) slot(nalType byte) *paramSet {
	if nalType == h264.NALTypeSPS {
		return &c.sps
	}
	return &c.pps
}

// accept decides whether an incoming parameter set replaces the cached one.
// Replacement happens when the fingerprint differs, or when the debounce
// interval has elapsed since the last acceptance of this type. Returns false
// for a debounced duplicate.
func (c *paramCache) accept(u h264.NALUnit, now time.Time) bool {
	s := c.slot(u.Type)
	fp, n := fingerprint(u)

	if s.present && s.fpLen == n && s.fp == fp && now.Sub(s.acceptedAt) <= acceptDebounce {
		return false
	}

	*s = paramSet{unit: u, fp: fp, fpLen: n, acceptedAt: now, present: true}
	return true
}

// both returns the cached SPS and PPS units only when both are present.
func (c *paramCache) both() (sps, pps h264.NALUnit, ok bool) {
	if !c.sps.present || !c.pps.present {
		return h264.NALUnit{}, h264.NALUnit{}, false
	}
	return c.sps.unit, c.pps.unit, true
}
