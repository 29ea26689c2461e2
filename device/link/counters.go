package link

import "sync/atomic"

// Counters tracks link statistics using atomic counters. The receive-side
// fields are written from the reception handler, so they are the side
// channel for problems that cannot be returned from there.
type Counters struct {
	Receptions     atomic.Uint32 // Completed receptions reported by the transport
	Overwrites     atomic.Uint32 // Receptions that replaced an unconsumed message
	Oversize       atomic.Uint32 // Receptions reporting more bytes than the buffer holds
	RearmFailures  atomic.Uint32 // Failed attempts to restart reception
	MessagesRead   atomic.Uint32 // Frames decoded successfully
	DecodeFailures atomic.Uint32 // Frames rejected by the codec
	FramesSent     atomic.Uint32 // Frames handed to the transport
	SendFailures   atomic.Uint32 // Frames the transport refused
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	Receptions     uint32
	Overwrites     uint32
	Oversize       uint32
	RearmFailures  uint32
	MessagesRead   uint32
	DecodeFailures uint32
	FramesSent     uint32
	SendFailures   uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Receptions:     c.Receptions.Load(),
		Overwrites:     c.Overwrites.Load(),
		Oversize:       c.Oversize.Load(),
		RearmFailures:  c.RearmFailures.Load(),
		MessagesRead:   c.MessagesRead.Load(),
		DecodeFailures: c.DecodeFailures.Load(),
		FramesSent:     c.FramesSent.Load(),
		SendFailures:   c.SendFailures.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.Receptions.Store(0)
	c.Overwrites.Store(0)
	c.Oversize.Store(0)
	c.RearmFailures.Store(0)
	c.MessagesRead.Store(0)
	c.DecodeFailures.Store(0)
	c.FramesSent.Store(0)
	c.SendFailures.Store(0)
}
