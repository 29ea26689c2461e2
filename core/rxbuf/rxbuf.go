// Package rxbuf implements the capture/ready buffer pair used to hand a
// completed reception from the receive producer to the polling consumer.
//
// Two fixed buffers are allocated once. One is the capture buffer, written
// only by the producer while a reception is in flight; the other is the
// ready buffer, read only by the consumer. The roles flip in Swap, which
// only the producer calls. No lock is taken: ownership is decided by the
// role index alone.
//
// Field ownership:
//
//	capture     written by the producer (Swap)
//	readyLen    written by the producer (MarkReady), reset by the consumer (Clear)
//	pending     set by the producer (MarkReady), cleared by the consumer (Clear)
//
// At most one message is buffered. If the producer completes a second
// reception before the consumer calls Clear, the previous ready content is
// replaced by the new one. The replaced buffer goes back to capture without
// being zeroed, so bytes past the recorded length may be stale.
//
// Clear has the same window: if a reception completes while Clear runs, Clear
// may zero the buffer the producer is now filling and lower the flag raised
// for the new message, which is then lost.
package rxbuf

import (
	"fmt"
	"sync/atomic"

	"github.com/kabili207/serialframe-go/core"
)

// Slot identifies one of the two backing buffers.
type Slot uint32

const (
	SlotA Slot = 0
	SlotB Slot = 1
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	return s ^ 1
}

func (s Slot) String() string {
	if s == SlotA {
		return "A"
	}
	return "B"
}

// DoubleBuffer is a capture/ready buffer pair of equal fixed capacity.
type DoubleBuffer struct {
	bufs     [2][]byte
	capture  atomic.Uint32
	readyLen atomic.Uint32
	pending  atomic.Bool
}

// New allocates a buffer pair with the given per-buffer capacity. Slot A
// starts as the capture buffer.
func New(capacity int) *DoubleBuffer {
	if capacity < 0 {
		capacity = 0
	}
	d := &DoubleBuffer{}
	d.bufs[SlotA] = make([]byte, capacity)
	d.bufs[SlotB] = make([]byte, capacity)
	return d
}

// Capacity returns the size of each buffer.
func (d *DoubleBuffer) Capacity() int {
	return len(d.bufs[SlotA])
}

// CaptureSlot returns the slot currently owned by the producer.
func (d *DoubleBuffer) CaptureSlot() Slot {
	return Slot(d.capture.Load())
}

// ReadySlot returns the slot currently owned by the consumer.
func (d *DoubleBuffer) ReadySlot() Slot {
	return d.CaptureSlot().Other()
}

// Capture returns the buffer the producer receives into. Producer only.
func (d *DoubleBuffer) Capture() []byte {
	return d.bufs[d.CaptureSlot()]
}

// Swap exchanges the capture and ready roles. Producer only; this is the
// only place roles change.
func (d *DoubleBuffer) Swap() {
	d.capture.Store(uint32(d.CaptureSlot().Other()))
}

// MarkReady records the length of the reception now held in the ready
// buffer and raises the message-ready flag. Producer only, after Swap. A
// size beyond the capacity is clamped and reported as ErrParameter; the
// message is still published.
func (d *DoubleBuffer) MarkReady(size int) error {
	var err error
	switch {
	case size < 0:
		err = fmt.Errorf("%w: negative reception size %d", core.ErrParameter, size)
		size = 0
	case size > d.Capacity():
		err = fmt.Errorf("%w: reception size %d exceeds capacity %d", core.ErrParameter, size, d.Capacity())
		size = d.Capacity()
	}
	d.readyLen.Store(uint32(size))
	d.pending.Store(true)
	return err
}

// Pending reports whether the ready buffer holds an unconsumed message.
func (d *DoubleBuffer) Pending() bool {
	return d.pending.Load()
}

// Ready returns the whole ready buffer and the length recorded for the last
// completed reception. ok is false when no message is pending. The returned
// slice is a view and must not be modified or retained past Clear.
func (d *DoubleBuffer) Ready() (view []byte, length int, ok bool) {
	if !d.pending.Load() {
		return nil, 0, false
	}
	return d.bufs[d.ReadySlot()], int(d.readyLen.Load()), true
}

// Copy copies the first n bytes of the ready buffer into dst. n may not
// exceed the buffer capacity or len(dst).
func (d *DoubleBuffer) Copy(dst []byte, n int) error {
	if n < 0 || n > d.Capacity() {
		return fmt.Errorf("%w: copy length %d outside 0..%d", core.ErrParameter, n, d.Capacity())
	}
	if n > len(dst) {
		return fmt.Errorf("%w: destination holds %d of %d bytes", core.ErrParameter, len(dst), n)
	}
	copy(dst, d.bufs[d.ReadySlot()][:n])
	return nil
}

// ZeroFrom zero-fills the ready buffer from offset off to its end.
// Consumer only.
func (d *DoubleBuffer) ZeroFrom(off int) {
	buf := d.bufs[d.ReadySlot()]
	if off < 0 {
		off = 0
	}
	if off >= len(buf) {
		return
	}
	clear(buf[off:])
}

// Clear zero-fills the ready buffer, resets the recorded length and lowers
// the message-ready flag. Consumer only.
func (d *DoubleBuffer) Clear() {
	clear(d.bufs[d.ReadySlot()])
	d.readyLen.Store(0)
	d.pending.Store(false)
}

// Reset returns the pair to its initial state: both buffers zeroed, slot A
// capturing, nothing pending. Not safe while a reception is in flight.
func (d *DoubleBuffer) Reset() {
	clear(d.bufs[SlotA])
	clear(d.bufs[SlotB])
	d.capture.Store(uint32(SlotA))
	d.readyLen.Store(0)
	d.pending.Store(false)
}
