// Package stream implements the loss-tolerant frame channel of an
// established session: fire-and-forget sends, timestamp-ordered delivery,
// and receiver-local jitter compensation. Frames are never acknowledged or
// retransmitted; loss is absorbed by the jitter policy, not hidden.
package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/session"
)

// Sender stamps and transmits streaming frames for one session.
type Sender struct {
	sess *session.Session
	send func([]byte) error
	now  func() time.Time

	mu     sync.Mutex
	lastTS uint64
}

// NewSender creates a frame sender over an established session.
func NewSender(sess *session.Session, send func([]byte) error) *Sender {
	return &Sender{sess: sess, send: send, now: time.Now}
}

// Submit stamps the frame with the sender clock and transmits it
// immediately. Priority is advisory for transport scheduling and carries
// no delivery guarantee. There is no reliability buffering: once sent, the
// frame is gone.
func (s *Sender) Submit(f *envelope.Frame) error {
	if !s.sess.State().Established() {
		return envelope.ErrSessionClosed
	}
	if !f.ChannelFormat.Valid() {
		return fmt.Errorf("invalid channel_format %d", f.ChannelFormat)
	}
	maxVal := f.ChannelFormat.MaxValue()
	for i, v := range f.Channels {
		if v > maxVal {
			return fmt.Errorf("channel %d value %d exceeds %s width", i, v, formatName(f.ChannelFormat))
		}
	}

	f.Type = envelope.TypeFrame
	sid := s.sess.ID()
	f.SessionID = sid[:]

	// Timestamps are strictly increasing even for frames submitted within
	// the same microsecond, so receivers never drop a legitimate frame as
	// a duplicate.
	s.mu.Lock()
	ts := uint64(s.now().UnixMicro())
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	s.mu.Unlock()
	f.TimestampUS = ts

	b, err := envelope.Encode(f)
	if err != nil {
		return err
	}
	if err := s.send(b); err != nil {
		return err
	}
	s.sess.MarkStreaming()
	s.sess.MarkActivity()
	return nil
}

func formatName(f envelope.ChannelFormat) string {
	if f == envelope.FormatU8 {
		return "u8"
	}
	return "u16"
}
