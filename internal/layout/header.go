// Package layout defines the synchronization header shared by both endpoints
// of an exchange. The header is overlaid at offset 0 of the mapped segment;
// creator and opener must be built from the same definition, so the field
// order and padding here are load-bearing.
package layout

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// State is the exchange protocol state stored in the shared header.
type State uint32

const (
	// StateIdle is the only resting state: no request in flight.
	StateIdle State = iota
	// StateRequestSent means the sender has published a request and is
	// waiting for the response.
	StateRequestSent
	// StateResponseSent means the responder has published a response that
	// the sender has not yet drained.
	StateResponseSent
	// StateShutdown is terminal; every subsequent operation fails.
	StateShutdown
)

// String returns the state name for diagnostics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRequestSent:
		return "RequestSent"
	case StateResponseSent:
		return "ResponseSent"
	case StateShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Header is the fixed synchronization record at the start of every mapped
// segment. The payload buffer begins immediately after it and extends to the
// end of the region.
//
//	offset 0   mutex futex word
//	offset 4   condvar sequence word
//	offset 8   protocol state
//	offset 12  padding (keeps dataSize 8-byte aligned)
//	offset 16  payload byte count
//	offset 24  payload...
type Header struct {
	Mutex    uint32
	Cond     uint32
	state    uint32
	_        uint32
	dataSize uint64
	data     [0]byte
}

// Size is the byte offset of the payload within the mapped region. Computed
// from the struct layout at build time rather than hard-coded, so a layout
// change cannot silently disagree with it.
func Size() int {
	return int(unsafe.Offsetof(Header{}.data))
}

// Compile-time layout check: the payload must start at byte 24.
var _ [24]byte = [unsafe.Offsetof(Header{}.data)]byte{}

// Overlay interprets the start of region as a Header. The region must be a
// shared mapping of at least Size() bytes.
func Overlay(region []byte) *Header {
	if len(region) < Size() {
		panic(fmt.Sprintf("layout: region too small for header: %d < %d", len(region), Size()))
	}
	return (*Header)(unsafe.Pointer(&region[0]))
}

// Init placement-constructs the header in the mapped region. Only the
// segment owner calls this, before any peer opens the segment.
func (h *Header) Init() {
	atomic.StoreUint32(&h.Mutex, 0)
	atomic.StoreUint32(&h.Cond, 0)
	atomic.StoreUint32(&h.state, uint32(StateIdle))
	atomic.StoreUint64(&h.dataSize, 0)
}

// State loads the protocol state with acquire ordering. The transition into
// RequestSent or ResponseSent publishes the payload written before it, so
// readers that observe the state may read the buffer without further
// synchronization.
func (h *Header) State() State {
	return State(atomic.LoadUint32(&h.state))
}

// SetState stores the protocol state with release ordering.
func (h *Header) SetState(s State) {
	atomic.StoreUint32(&h.state, uint32(s))
}

// DataSize returns the payload byte count of the in-flight message. Valid
// only while the state is RequestSent or ResponseSent.
func (h *Header) DataSize() uint64 {
	return atomic.LoadUint64(&h.dataSize)
}

// SetDataSize records the payload byte count of the message about to be
// published. Callers hold the header mutex.
func (h *Header) SetDataSize(n uint64) {
	atomic.StoreUint64(&h.dataSize, n)
}
