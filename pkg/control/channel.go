package control

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/alpinelight/alpine/internal/crypto"
	"github.com/alpinelight/alpine/pkg/envelope"
	"github.com/alpinelight/alpine/pkg/session"
)

// Backoff parameterizes acknowledgement retransmission. The schedule is
// deterministic: a send that never gets acked fails after exactly
// TotalDeadline.
type Backoff struct {
	Initial time.Duration // first retransmission interval
	Max     time.Duration // interval cap after doubling
	Retries int           // number of intervals waited before giving up
}

// DefaultBackoff is the retransmission schedule used unless configured
// otherwise: 250ms initial, doubling to a 4s cap, six intervals.
var DefaultBackoff = Backoff{Initial: 250 * time.Millisecond, Max: 4 * time.Second, Retries: 6}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Retries <= 0 {
		b.Retries = DefaultBackoff.Retries
	}
	return b
}

// TotalDeadline is the cumulative time a send waits before resolving as
// Timeout when no ack ever arrives.
func (b Backoff) TotalDeadline() time.Duration {
	var total time.Duration
	iv := b.Initial
	for i := 0; i < b.Retries; i++ {
		total += iv
		iv *= 2
		if iv > b.Max {
			iv = b.Max
		}
	}
	return total
}

// Result classifies a received control envelope.
type Result int

const (
	Delivered Result = iota // new, authenticated, handed to the application
	Duplicate               // already seen; re-acked but not redelivered
	Rejected                // authentication or state failure; no ack
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// Config wires a Channel to its session surroundings.
type Config struct {
	// Backoff tunes retransmission; zero values take defaults.
	Backoff Backoff
	// Identity, when set, signs privileged operations we send.
	Identity *crypto.Identity
	// Deliver receives each newly delivered envelope. Duplicates and
	// rejected envelopes never reach it.
	Deliver func(*envelope.Control)
}

// Channel is the reliable command channel of one session direction pair.
// It shares the session's derived keys and counters but owns its own
// pending-retransmission registry, keyed by sequence number so timers and
// sessions never hold references to each other.
type Channel struct {
	sess    *session.Session
	send    func([]byte) error
	backoff Backoff
	id      *crypto.Identity
	deliver func(*envelope.Control)

	mu      sync.Mutex
	pending map[uint64]chan struct{} // seq -> closed on ack
}

// New creates a control channel over an established session. send
// transmits one encoded datagram toward the peer.
func New(sess *session.Session, send func([]byte) error, cfg Config) *Channel {
	return &Channel{
		sess:    sess,
		send:    send,
		backoff: cfg.Backoff.withDefaults(),
		id:      cfg.Identity,
		deliver: cfg.Deliver,
		pending: make(map[uint64]chan struct{}),
	}
}

// opSigMessage is the byte string signed for privileged operations. The
// sequence number is bound in so a captured signature cannot be replayed
// on a different envelope.
func opSigMessage(sessionID []byte, seq uint64, op string, payload []byte) []byte {
	msg := make([]byte, 0, 16+len(sessionID)+8+len(op)+len(payload))
	msg = append(msg, "alpine op v1"...)
	msg = append(msg, sessionID...)
	var seqb [8]byte
	binary.BigEndian.PutUint64(seqb[:], seq)
	msg = append(msg, seqb[:]...)
	msg = append(msg, op...)
	msg = append(msg, payload...)
	return msg
}

// Send transmits one authenticated command. With requireAck it blocks
// until the peer acknowledges, retransmitting on the backoff schedule;
// exhaustion resolves as ErrTimeout and the envelope is abandoned. The
// session stays usable for later sends either way. The assigned sequence
// number is returned so callers can correlate replies.
func (c *Channel) Send(ctx context.Context, op string, payload cbor.RawMessage, requireAck bool) (uint64, error) {
	seq, err := c.sess.NextControlSeq()
	if err != nil {
		return 0, err
	}

	sid := c.sess.ID()
	env := &envelope.Control{
		Type:       envelope.TypeControl,
		SessionID:  sid[:],
		Seq:        seq,
		Op:         op,
		Payload:    payload,
		RequireAck: requireAck,
	}
	if IsPrivileged(op) {
		if c.id == nil {
			return 0, fmt.Errorf("privileged op %q: no signing identity", op)
		}
		env.Sig = c.id.Sign(opSigMessage(env.SessionID, seq, op, payload))
	}

	canonical, err := envelope.Encode(env)
	if err != nil {
		return 0, err
	}
	if env.MAC, err = c.sess.SealControl(seq, canonical); err != nil {
		return 0, err
	}
	wire, err := envelope.Encode(env)
	if err != nil {
		return 0, err
	}

	if !requireAck {
		return seq, c.send(wire)
	}

	acked := make(chan struct{})
	c.mu.Lock()
	c.pending[seq] = acked
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.send(wire); err != nil {
		return seq, err
	}

	interval := c.backoff.Initial
	timer := time.NewTimer(interval)
	defer timer.Stop()
	attempts := 0
	for {
		select {
		case <-acked:
			return seq, nil
		case <-ctx.Done():
			return seq, ctx.Err()
		case <-c.sess.Done():
			return seq, envelope.ErrSessionClosed
		case <-timer.C:
			attempts++
			if attempts >= c.backoff.Retries {
				slog.Debug("control send abandoned",
					"session_id", c.sess.ID(), "seq", seq, "op", op, "retries", attempts)
				return seq, envelope.ErrTimeout
			}
			// Retransmit the identical envelope; the receiver dedups.
			if err := c.send(wire); err != nil {
				return seq, err
			}
			interval *= 2
			if interval > c.backoff.Max {
				interval = c.backoff.Max
			}
			timer.Reset(interval)
		}
	}
}

// HandleAck resolves the pending send for the acknowledged sequence. An
// ack for an unknown or already resolved sequence is a harmless no-op, so
// a retransmission racing its own ack cannot error.
func (c *Channel) HandleAck(ack *envelope.ControlAck) {
	c.mu.Lock()
	ch, ok := c.pending[ack.AckedSeq]
	if ok {
		delete(c.pending, ack.AckedSeq)
		close(ch)
	}
	c.mu.Unlock()
	if ok {
		c.sess.MarkActivity()
	}
}

// Handle verifies and dedups one received control envelope. Authentication
// failures leave the session's sequence and replay state untouched, so a
// tampered envelope cannot disturb later valid traffic. Duplicates are
// re-acked (the first ack may have been lost) but never redelivered.
func (c *Channel) Handle(env *envelope.Control) (Result, error) {
	if !c.sess.State().Established() {
		return Rejected, envelope.ErrSessionClosed
	}

	tag := env.MAC
	bare := *env
	bare.MAC = nil
	canonical, err := envelope.Encode(&bare)
	if err != nil {
		return Rejected, err
	}
	if err := c.sess.OpenControl(env.Seq, canonical, tag); err != nil {
		slog.Warn("control envelope rejected",
			"session_id", c.sess.ID(), "seq", env.Seq, "error", err)
		return Rejected, err
	}

	if IsPrivileged(env.Op) {
		peer := c.sess.PeerKey()
		if len(peer) != ed25519.PublicKeySize ||
			!ed25519.Verify(peer, opSigMessage(env.SessionID, env.Seq, env.Op, env.Payload), env.Sig) {
			slog.Warn("privileged op signature rejected",
				"session_id", c.sess.ID(), "op", env.Op, "seq", env.Seq)
			return Rejected, envelope.ErrAuthenticationFailure
		}
	}

	c.sess.MarkActivity()
	status := c.sess.ObserveControlSeq(env.Seq)

	if env.RequireAck {
		if err := c.sendAck(env.Seq); err != nil {
			slog.Debug("control ack send failed", "session_id", c.sess.ID(), "seq", env.Seq, "error", err)
		}
	}

	if status == session.SeqDuplicate {
		return Duplicate, nil
	}
	if c.deliver != nil {
		c.deliver(env)
	}
	return Delivered, nil
}

func (c *Channel) sendAck(seq uint64) error {
	sid := c.sess.ID()
	ack := &envelope.ControlAck{
		Type:      envelope.TypeControlAck,
		SessionID: sid[:],
		AckedSeq:  seq,
	}
	b, err := envelope.Encode(ack)
	if err != nil {
		return err
	}
	return c.send(b)
}
