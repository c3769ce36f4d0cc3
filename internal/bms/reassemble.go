package bms

import (
	"encoding/hex"
	"log/slog"
	"sync"
)

// Reassembler collects notification packets into complete status frames.
//
// A packet whose byte at ResponseMarkerOffset equals ResponseMarker starts
// a new response and discards any partial buffer; other packets are
// appended while a response is accumulating and discarded otherwise. Once
// the buffer reaches MinResponseLength the frame is delivered on Frames()
// and the reassembler returns to idle.
//
// Push is safe to call from the transport notification goroutine at any
// time, including while the session resets the buffer for a new
// transaction.
type Reassembler struct {
	mu           sync.Mutex
	buf          []byte
	accumulating bool

	frames chan []byte
}

// NewReassembler returns an idle reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		// Capacity 1: at most one transaction is in flight, so at most one
		// completed frame can be pending.
		frames: make(chan []byte, 1),
	}
}

// Frames returns the channel on which completed frames are delivered.
func (r *Reassembler) Frames() <-chan []byte {
	return r.frames
}

// Push feeds one notification packet into the reassembler.
func (r *Reassembler) Push(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slog.Debug("[BMS] notification", "bytes", len(data), "hex", hex.EncodeToString(data))

	if len(data) > ResponseMarkerOffset && data[ResponseMarkerOffset] == ResponseMarker {
		// Start of a status response; may arrive whole or fragmented.
		r.buf = append(r.buf[:0], data...)
		r.accumulating = true
	} else if r.accumulating {
		r.buf = append(r.buf, data...)
	} else {
		slog.Debug("[BMS] ignoring non-status notification", "bytes", len(data))
		return
	}

	if len(r.buf) < MinResponseLength {
		slog.Debug("[BMS] buffered partial response", "have", len(r.buf), "want", MinResponseLength)
		return
	}

	frame := make([]byte, len(r.buf))
	copy(frame, r.buf)
	r.buf = r.buf[:0]
	r.accumulating = false

	select {
	case r.frames <- frame:
		slog.Debug("[BMS] complete response", "bytes", len(frame))
	default:
		// A frame from this transaction is already pending; the device
		// never answers a single query twice, so this is stale noise.
		slog.Debug("[BMS] dropping frame, one already pending", "bytes", len(frame))
	}
}

// Reset clears the buffer, returns to idle and drains any pending frame.
// The session calls this immediately before each query so fragments from
// a prior failed cycle never contaminate a new transaction.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	r.buf = r.buf[:0]
	r.accumulating = false
	r.mu.Unlock()

	select {
	case <-r.frames:
	default:
	}
}

// BufferedBytes reports how many bytes of a partial response are held.
// Used for timeout diagnostics.
func (r *Reassembler) BufferedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
