// Package broadcaster implements the process-wide single-slot mailbox that
// producers (PTY reader, filesystem watcher, router replies) use to publish
// toward the one active session, plus the bounded PTY replay ring described
// in §4.4. It mirrors the teacher's broadcast-channel pattern in
// internal/server/session.go, generalized from "one channel per repo
// session" to "one optional sender slot shared by every producer."
package broadcaster

import (
	"sync"
	"unicode/utf8"

	"github.com/releash/releashd/internal/wire"
)

// RingCapacity is the maximum number of PTY-output bytes retained for replay.
const RingCapacity = 64 * 1024

// Broadcaster is the shared mailbox. The zero value is not usable; construct
// with New.
type Broadcaster struct {
	mu       sync.Mutex
	cond     *sync.Cond
	attached bool
	closed   bool
	queue    []wire.Envelope // FIFO backlog, grows without bound while attached

	ringMu sync.Mutex
	ring   []byte // FIFO, length capped at RingCapacity
}

// New constructs an empty Broadcaster with no attached session.
func New() *Broadcaster {
	b := &Broadcaster{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Attach marks a new session as the delivery target and clears any backlog
// left over from a previous one. Next will start blocking for fresh
// envelopes immediately after this call.
func (b *Broadcaster) Attach() {
	b.mu.Lock()
	b.attached = true
	b.closed = false
	b.queue = nil
	b.mu.Unlock()
}

// Detach marks the current session as gone. Any goroutine blocked in Next
// wakes up and returns ok=false; envelopes queued but undelivered are
// discarded, matching the prior "dropped because no sender is installed"
// semantics for the window between sessions.
func (b *Broadcaster) Detach() {
	b.mu.Lock()
	b.attached = false
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// TrySend publishes env toward the active session. If env is a pty_output
// message, its data is first appended to the replay ring regardless of
// whether a session is attached. The enqueue itself never blocks and never
// drops a message under load: it appends to an unbounded FIFO guarded by a
// mutex, bounded only by available memory, per the attach model's
// non-blocking unbounded channel send. A message is dropped only when no
// session is attached at all — there is nobody to deliver it to.
func (b *Broadcaster) TrySend(env wire.Envelope, ptyData []byte) {
	if ptyData != nil {
		b.appendRing(ptyData)
	}

	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, env)
	b.cond.Signal()
	b.mu.Unlock()
}

// Next blocks until an envelope is available or the session detaches. It
// returns ok=false once Detach has been called and the backlog is drained,
// signaling the write loop to stop.
func (b *Broadcaster) Next() (env wire.Envelope, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return wire.Envelope{}, false
	}

	env = b.queue[0]
	b.queue = b.queue[1:]
	return env, true
}

// appendRing appends data to the FIFO ring, dropping the oldest bytes to
// stay within RingCapacity.
func (b *Broadcaster) appendRing(data []byte) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	b.ring = append(b.ring, data...)
	if excess := len(b.ring) - RingCapacity; excess > 0 {
		b.ring = b.ring[excess:]
	}
}

// TakePTYOutputBuffer returns a lossy-UTF8 decoding of the ring's current
// contents. It does not clear the ring — the spec's replay mechanism reads
// the ring once at attach time but never claims exclusive ownership of it.
func (b *Broadcaster) TakePTYOutputBuffer() string {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	if len(b.ring) == 0 {
		return ""
	}
	return toValidUTF8(b.ring)
}

// toValidUTF8 decodes src permissively, substituting the standard
// replacement rune for any invalid byte sequence, matching a "lossy"
// UTF-8 decode.
func toValidUTF8(src []byte) string {
	if utf8.Valid(src) {
		return string(src)
	}
	var out []rune
	for len(src) > 0 {
		r, size := utf8.DecodeRune(src)
		out = append(out, r)
		src = src[size:]
	}
	return string(out)
}
