// Package shmex implements a single-slot request/response exchange over a
// named shared-memory segment, used between two co-located processes on the
// same host. One side creates the segment and serves requests; the other
// opens it, writes a request into the shared payload buffer, and blocks for
// a deadline until the response lands in the same buffer.
package shmex

import (
	"time"

	"github.com/ehrlich-b/go-shmex/internal/ipc"
	"github.com/ehrlich-b/go-shmex/internal/layout"
	"github.com/ehrlich-b/go-shmex/internal/logging"
	"github.com/ehrlich-b/go-shmex/internal/shm"
)

// State is the protocol state held in the shared header.
type State = layout.State

// Re-export states for the public API
const (
	StateIdle         = layout.StateIdle
	StateRequestSent  = layout.StateRequestSent
	StateResponseSent = layout.StateResponseSent
	StateShutdown     = layout.StateShutdown
)

// Operation names used in error context
const (
	opCreate  = "CREATE"
	opOpen    = "OPEN"
	opSend    = "SEND"
	opRespond = "RESPOND"
	opPoll    = "POLL"
)

// Logger is the optional logging hook accepted in Options. The internal
// leveled logger satisfies it; so does any logrus-style adapter.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Options contains optional collaborators for an endpoint
type Options struct {
	// Logger for debug/info messages (if nil, uses the default logger)
	Logger Logger

	// Observer for metrics collection (if nil, uses a no-op observer)
	Observer Observer
}

// fatalf reports a broken protocol invariant: a peer that violated the state
// machine, or a segment that cannot be established. There is no local
// recovery from either, so the default handler logs and panics. Tests swap
// in a recorder.
var fatalf = func(msg string, args ...any) {
	logging.Error(msg, args...)
	panic("shmex: " + msg)
}

// Exchange is one endpoint of a request/response exchange. Exactly two
// endpoints ever share a segment: the owner, which created the OS object,
// and one peer that opened it. An endpoint is driven by one goroutine at a
// time per operation; ReadyToSend and the accessors are safe anywhere.
type Exchange struct {
	instanceID string
	sessionID  uint64
	seg        *shm.Segment
	hdr        *layout.Header
	mu         *ipc.Mutex
	cond       *ipc.Cond
	logger     Logger
	observer   Observer

	// lastSize is the payload byte count recorded by the most recent
	// Obtain; Send publishes it as the request size.
	lastSize uint64

	// failedPrev is set after a Send failed mid-protocol while the peer
	// may still produce a late response. It widens the readiness
	// predicate so the next Send can overwrite that response.
	failedPrev bool
}

// Create builds the owner endpoint for a session: it creates the named
// segment, sizes it to one page, maps it, and placement-constructs the
// shared header. The exchange is integral to its session, so failure to
// establish the segment is fatal to the process.
func Create(instanceID string, sessionID uint64, options *Options) *Exchange {
	ex, err := newExchange(instanceID, sessionID, true, options)
	if err != nil {
		fatalf("cannot create exchange segment",
			"instance", instanceID, "session", sessionID, "error", err)
		return nil
	}
	ex.logger.Debugf("created exchange segment %s (%d bytes)", ex.seg.Name(), ex.seg.Size())
	return ex
}

// Open attaches the non-owner endpoint to an existing session's segment. It
// maps the object but must not reinitialize the header. Failure is fatal,
// as for Create.
func Open(instanceID string, sessionID uint64, options *Options) *Exchange {
	ex, err := newExchange(instanceID, sessionID, false, options)
	if err != nil {
		fatalf("cannot open exchange segment",
			"instance", instanceID, "session", sessionID, "error", err)
		return nil
	}
	ex.logger.Debugf("opened exchange segment %s (%d bytes)", ex.seg.Name(), ex.seg.Size())
	return ex
}

func newExchange(instanceID string, sessionID uint64, owner bool, options *Options) (*Exchange, error) {
	if options == nil {
		options = &Options{}
	}

	name := shm.Name(instanceID, sessionID)
	var (
		seg *shm.Segment
		err error
	)
	if owner {
		seg, err = shm.Create(name)
	} else {
		seg, err = shm.Open(name)
	}
	if err != nil {
		op := opOpen
		if owner {
			op = opCreate
		}
		return nil, WrapError(op, sessionID, err)
	}

	hdr := layout.Overlay(seg.Region())
	if owner {
		hdr.Init()
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := options.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	return &Exchange{
		instanceID: instanceID,
		sessionID:  sessionID,
		seg:        seg,
		hdr:        hdr,
		mu:         ipc.NewMutex(&hdr.Mutex),
		cond:       ipc.NewCond(&hdr.Cond),
		logger:     logger,
		observer:   observer,
	}, nil
}

// SessionID returns the 64-bit session id naming this exchange.
func (e *Exchange) SessionID() uint64 {
	return e.sessionID
}

// Instance returns the instance id the segment name is derived from.
func (e *Exchange) Instance() string {
	return e.instanceID
}

// Name returns the OS-level segment name.
func (e *Exchange) Name() string {
	return e.seg.Name()
}

// Owner reports whether this endpoint created the OS object.
func (e *Exchange) Owner() bool {
	return e.seg.Owner()
}

// HeaderSize returns the byte offset of the payload within the segment.
func HeaderSize() int {
	return layout.Size()
}

// MaxPayloadSize returns the usable payload capacity of this segment: the
// mapped length minus the header.
func (e *Exchange) MaxPayloadSize() int {
	return e.seg.Size() - layout.Size()
}

func (e *Exchange) payload() []byte {
	return e.seg.Region()[layout.Size():]
}

// Obtain reserves size bytes of the payload buffer for the next message and
// returns it for the caller to fill. Senders write their request here before
// Send; responders use it both to read an arrived request and to write the
// response in place before Respond. Returns nil when the payload does not
// fit in the segment; the recorded size still becomes the next Send's
// request size.
func (e *Exchange) Obtain(size uint64) []byte {
	e.lastSize = size
	if size > uint64(e.MaxPayloadSize()) {
		return nil
	}
	return e.payload()[:size]
}

// readyLocked evaluates the readiness predicate for a given state: sends may
// start from Idle, or from ResponseSent when the previous send failed and
// the peer's late response is about to be discarded.
func (e *Exchange) readyLocked(st State) bool {
	return st == StateIdle || (e.failedPrev && st == StateResponseSent)
}

// ReadyToSend reports whether a Send may proceed right now. Purely advisory:
// Send rechecks under the header mutex.
func (e *Exchange) ReadyToSend() bool {
	return e.readyLocked(e.hdr.State())
}

// Reply is the outcome of a successful Send. Data aliases the segment's
// payload buffer and is valid until the next Obtain or Send on this
// endpoint. A nil Data with a non-zero Size is the oversize sentinel: the
// response did not fit in the segment and must be fetched out of band.
type Reply struct {
	Data []byte
	Size uint64
}

// Oversize reports whether the response payload exceeded the segment and
// must be transported out of band.
func (r Reply) Oversize() bool {
	return r.Data == nil && r.Size > 0
}

// Send publishes the buffer reserved by the last Obtain as a request, wakes
// the peer, and blocks until the response arrives, the deadline passes, or
// the exchange shuts down. The zero deadline means wait forever. Deadlines
// carrying a monotonic reading are immune to wall-clock steps.
func (e *Exchange) Send(deadline time.Time) (Reply, error) {
	start := time.Now()
	d := ipc.DeadlineAt(deadline)

	e.mu.Lock()
	st := e.hdr.State()
	if st == StateShutdown {
		e.mu.Unlock()
		e.failedPrev = true
		e.observer.ObserveShutdown()
		e.observer.ObserveSend(0, uint64(time.Since(start).Nanoseconds()), false)
		return Reply{}, NewStateError(opSend, e.sessionID, st, ErrCodeShutdown,
			"exchange shut down")
	}
	if !e.readyLocked(st) {
		e.mu.Unlock()
		e.failedPrev = true
		e.observer.ObserveSend(0, uint64(time.Since(start).Nanoseconds()), false)
		return Reply{}, NewStateError(opSend, e.sessionID, st, ErrCodeIllegalState,
			"not ready to send")
	}

	e.hdr.SetDataSize(e.lastSize)
	e.hdr.SetState(StateRequestSent)
	e.cond.Signal()

	for {
		switch st := e.hdr.State(); st {
		case StateResponseSent:
			n := e.hdr.DataSize()
			e.hdr.SetState(StateIdle)
			e.mu.Unlock()
			e.failedPrev = false
			e.observer.ObserveSend(n, uint64(time.Since(start).Nanoseconds()), true)
			if n > uint64(e.MaxPayloadSize()) {
				return Reply{Size: n}, nil
			}
			return Reply{Data: e.payload()[:n], Size: n}, nil

		case StateShutdown:
			e.mu.Unlock()
			e.failedPrev = true
			e.observer.ObserveShutdown()
			e.observer.ObserveSend(0, uint64(time.Since(start).Nanoseconds()), false)
			return Reply{}, NewStateError(opSend, e.sessionID, st, ErrCodeShutdown,
				"exchange shut down")

		default:
			if !e.cond.Wait(e.mu, d) {
				// Deadline passed. One final look: the response or the
				// shutdown may have landed while we were reacquiring.
				if st := e.hdr.State(); st == StateResponseSent || st == StateShutdown {
					continue
				}
				st := e.hdr.State()
				e.mu.Unlock()
				e.failedPrev = true
				e.observer.ObserveTimeout()
				e.observer.ObserveSend(0, uint64(time.Since(start).Nanoseconds()), false)
				return Reply{}, NewStateError(opSend, e.sessionID, st, ErrCodeTimedOut,
					"deadline exceeded awaiting response")
			}
		}
	}
}

// Respond publishes size bytes of the payload buffer as the response to the
// request currently in flight and wakes the sender. Called by the responder
// after its handler has filled the buffer (via Obtain). Silently a no-op
// once the exchange has shut down; any other state means the peer violated
// the protocol, which is fatal.
func (e *Exchange) Respond(size uint64) {
	e.mu.Lock()
	st := e.hdr.State()
	if st != StateRequestSent {
		e.mu.Unlock()
		if st == StateShutdown {
			return
		}
		fatalf("respond with no request in flight",
			"session", e.sessionID, "state", st)
		return
	}
	e.hdr.SetDataSize(size)
	e.hdr.SetState(StateResponseSent)
	e.cond.Signal()
	e.mu.Unlock()
	e.observer.ObserveRespond(size)
}

// Poll blocks until a request arrives and returns its payload size, leaving
// the state untouched; the caller reads the request from the segment and
// eventually calls Respond. Returns the shutdown error once SignalStop has
// been called on either side. There is no deadline: servers rely on
// SignalStop to unblock.
func (e *Exchange) Poll() (uint64, error) {
	e.mu.Lock()
	for {
		switch st := e.hdr.State(); st {
		case StateRequestSent:
			n := e.hdr.DataSize()
			e.mu.Unlock()
			return n, nil
		case StateShutdown:
			e.mu.Unlock()
			return 0, NewStateError(opPoll, e.sessionID, st, ErrCodeShutdown,
				"exchange shut down")
		default:
			e.cond.Wait(e.mu, ipc.Deadline{})
		}
	}
}

// SignalStop transitions the exchange to Shutdown and wakes every waiter on
// both sides. Idempotent; callable from either endpoint.
func (e *Exchange) SignalStop() {
	e.mu.Lock()
	e.hdr.SetState(StateShutdown)
	e.cond.Broadcast()
	e.mu.Unlock()
	e.logger.Debugf("exchange %s signalled stop", e.seg.Name())
}

// Close releases the mapping. The owner additionally removes the named OS
// object (suppressible via the retain toggle for post-mortem inspection).
// Close does not stop a peer still using the segment; call SignalStop first
// if the exchange is live.
func (e *Exchange) Close() error {
	return e.seg.Close()
}
