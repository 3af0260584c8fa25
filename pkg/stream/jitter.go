package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/session"
)

// Policy is the receiver-local strategy for compensating missing frames.
type Policy int

const (
	// HoldLast reapplies the previous frame's channel values for each
	// missed interval.
	HoldLast Policy = iota
	// Drop produces no output for missed intervals; the consumer sees a
	// hole.
	Drop
	// Interpolate blends channel values linearly between the frames
	// bracketing the gap, falling back to HoldLast when their
	// channel_format or group shape differ.
	Interpolate
)

func (p Policy) String() string {
	switch p {
	case Drop:
		return "drop"
	case Interpolate:
		return "interpolate"
	default:
		return "hold-last"
	}
}

// ParsePolicy maps a config string to a jitter policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "hold-last", "hold_last", "":
		return HoldLast, nil
	case "drop":
		return Drop, nil
	case "interpolate":
		return Interpolate, nil
	default:
		return HoldLast, fmt.Errorf("unknown jitter policy %q", s)
	}
}

// ReceiverConfig tunes jitter compensation.
type ReceiverConfig struct {
	Policy Policy
	// Interval is the expected inter-frame spacing. Zero disables gap
	// synthesis entirely: frames are delivered as they arrive.
	Interval time.Duration
	// Emit receives every delivered frame, real and synthesized, in
	// non-decreasing timestamp order.
	Emit func(*envelope.Frame)
}

// Receiver orders incoming frames by sender timestamp and fills gaps
// according to the configured policy. Stale and duplicate frames are
// dropped, never requested again.
type Receiver struct {
	sess *session.Session
	cfg  ReceiverConfig

	mu          sync.Mutex
	last        *envelope.Frame // last delivered frame
	lastArrival time.Time
}

// NewReceiver creates a jitter-compensating frame receiver for a session.
func NewReceiver(sess *session.Session, cfg ReceiverConfig) *Receiver {
	return &Receiver{sess: sess, cfg: cfg}
}

// HandleFrame ingests one frame from the wire. A timestamp not greater
// than the last delivered frame's is a duplicate or reordering artifact
// and is discarded. When the new frame reveals a gap, the missed intervals
// are synthesized per policy before the frame itself is delivered.
func (r *Receiver) HandleFrame(env *envelope.Frame) {
	if !env.ChannelFormat.Valid() {
		return // malformed, dropped at the boundary
	}
	if !r.sess.ObserveFrameTimestamp(env.TimestampUS) {
		slog.Debug("stale frame dropped",
			"session_id", r.sess.ID(), "timestamp_us", env.TimestampUS)
		return
	}
	r.sess.MarkActivity()
	r.sess.MarkStreaming()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last != nil && r.cfg.Interval > 0 {
		r.fillGapLocked(env)
	}
	if r.cfg.Emit != nil {
		r.cfg.Emit(env)
	}
	r.last = copyFrame(env)
	r.lastArrival = time.Now()
}

// fillGapLocked synthesizes frames for intervals that elapsed between the
// last delivered frame and next. A half-interval tolerance keeps ordinary
// network jitter from triggering synthesis.
func (r *Receiver) fillGapLocked(next *envelope.Frame) {
	iv := uint64(r.cfg.Interval / time.Microsecond)
	if iv == 0 {
		return
	}
	for t := r.last.TimestampUS + iv; t+iv/2 <= next.TimestampUS; t += iv {
		switch r.cfg.Policy {
		case Drop:
			// Hole: downstream sees nothing for this interval.
		case Interpolate:
			var synth *envelope.Frame
			if compatible(r.last, next) {
				synth = interpolate(r.last, next, t)
			} else {
				synth = holdAt(r.last, t)
			}
			if r.cfg.Emit != nil {
				r.cfg.Emit(synth)
			}
		default: // HoldLast
			if r.cfg.Emit != nil {
				r.cfg.Emit(holdAt(r.last, t))
			}
		}
	}
}

// Run re-applies the last frame on a live wall-clock schedule while the
// stream is stalled, for the hold-last policy only: drop wants the hole
// visible, and interpolation needs the far frame, which arrives with the
// next HandleFrame and is backfilled there. Run returns when done is
// closed or the session terminates.
func (r *Receiver) Run(done <-chan struct{}) {
	if r.cfg.Policy != HoldLast || r.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.sess.Done():
			return
		case now := <-ticker.C:
			r.mu.Lock()
			if r.last != nil && now.Sub(r.lastArrival) > r.cfg.Interval {
				iv := uint64(r.cfg.Interval / time.Microsecond)
				synth := holdAt(r.last, r.last.TimestampUS+iv)
				// Advance the session high-water mark so a frame older
				// than the synthesized output is still treated as stale.
				if r.sess.ObserveFrameTimestamp(synth.TimestampUS) {
					r.last = synth
					if r.cfg.Emit != nil {
						r.cfg.Emit(synth)
					}
				}
			}
			r.mu.Unlock()
		}
	}
}

// compatible reports whether two frames can be interpolated between:
// identical channel width, channel count, and group shape.
func compatible(a, b *envelope.Frame) bool {
	if a.ChannelFormat != b.ChannelFormat || len(a.Channels) != len(b.Channels) {
		return false
	}
	if len(a.Groups) != len(b.Groups) {
		return false
	}
	for name, av := range a.Groups {
		bv, ok := b.Groups[name]
		if !ok || len(av) != len(bv) {
			return false
		}
	}
	return true
}

// interpolate produces the linear blend of a and b at time t. Linearity is
// a documented implementation choice, not a wire requirement.
func interpolate(a, b *envelope.Frame, t uint64) *envelope.Frame {
	span := b.TimestampUS - a.TimestampUS
	elapsed := t - a.TimestampUS
	blend := func(x, y uint16) uint16 {
		return uint16(int64(x) + (int64(y)-int64(x))*int64(elapsed)/int64(span))
	}

	out := &envelope.Frame{
		Type:          envelope.TypeFrame,
		SessionID:     a.SessionID,
		TimestampUS:   t,
		Priority:      a.Priority,
		ChannelFormat: a.ChannelFormat,
		Channels:      make([]uint16, len(a.Channels)),
	}
	for i := range a.Channels {
		out.Channels[i] = blend(a.Channels[i], b.Channels[i])
	}
	if len(a.Groups) > 0 {
		out.Groups = make(map[string][]uint16, len(a.Groups))
		for name, av := range a.Groups {
			bv := b.Groups[name]
			gv := make([]uint16, len(av))
			for i := range av {
				gv[i] = blend(av[i], bv[i])
			}
			out.Groups[name] = gv
		}
	}
	return out
}

// holdAt clones the previous frame's values at a synthesized timestamp.
func holdAt(prev *envelope.Frame, t uint64) *envelope.Frame {
	out := copyFrame(prev)
	out.TimestampUS = t
	return out
}

func copyFrame(f *envelope.Frame) *envelope.Frame {
	out := *f
	out.Channels = append([]uint16(nil), f.Channels...)
	if f.Groups != nil {
		out.Groups = make(map[string][]uint16, len(f.Groups))
		for name, v := range f.Groups {
			out.Groups[name] = append([]uint16(nil), v...)
		}
	}
	return &out
}
