package call

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter caps uplink audio by frame count and byte volume. A
// frame is admitted only if both buckets have room; otherwise neither is
// charged.
type inboundAudioLimiter struct {
	now    func() time.Time
	frames *rate.Limiter
	bytes  *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	l := &inboundAudioLimiter{now: now}
	if fps > 0 {
		l.frames = newFullLimiter(now(), float64(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bytes = newFullLimiter(now(), float64(bps), int(bps)*burstSeconds)
	}
	return l
}

// newFullLimiter anchors the bucket at start so an injected clock behaves
// the same as the wall clock.
func newFullLimiter(start time.Time, r float64, burst int) *rate.Limiter {
	lim := rate.NewLimiter(rate.Limit(r), burst)
	lim.SetBurstAt(start, burst)
	return lim
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	now := l.now()

	var frameRes *rate.Reservation
	if l.frames != nil {
		frameRes = l.frames.ReserveN(now, 1)
		if !frameRes.OK() || frameRes.DelayFrom(now) > 0 {
			frameRes.CancelAt(now)
			return false
		}
	}
	if l.bytes != nil && frameBytes > 0 {
		res := l.bytes.ReserveN(now, frameBytes)
		if !res.OK() || res.DelayFrom(now) > 0 {
			res.CancelAt(now)
			if frameRes != nil {
				frameRes.CancelAt(now)
			}
			return false
		}
	}
	return true
}
