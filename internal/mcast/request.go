package mcast

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ibmcast/internal/metrics"
)

// RequestKind distinguishes join and leave requests.
type RequestKind int

const (
	KindJoin RequestKind = iota
	KindLeave
)

func (k RequestKind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// RequestState is the lifecycle state of a request as it moves through the queue.
type RequestState int

const (
	StateScheduled RequestState = iota
	StateRunning
	StateRunningCallback
	StateDone
)

func (s RequestState) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateRunningCallback:
		return "running_callback"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// JoinResult is delivered to the join callback exactly once.
type JoinResult struct {
	Group  GID
	Err    error
	Record MemberRecord
}

// JoinCallback is invoked without any coordinator lock held and may call
// back into the coordinator.
type JoinCallback func(req *Request, res JoinResult)

// LeaveCallback is invoked once the leave has taken effect.
type LeaveCallback func(req *Request)

// Request is a join or leave operation on one group. Join requests are handed
// to callers; each join owns a paired leave that is created and destroyed with it.
//
// Reference counting: a join starts with one reference held by the coordinator
// and one held by the caller. The caller reference is consumed by exactly one of
// leave completion, a failed join outcome, or CancelJoin returning false. Extra
// references taken with AddRef must be dropped with Release.
type Request struct {
	id       uuid.UUID
	kind     RequestKind
	node     *groupNode
	coord    *Coordinator
	pair     *Request
	admitted time.Time

	refs      atomic.Int32
	destroyed atomic.Bool

	// Guarded by coord.mu.
	state          RequestState
	queued         bool
	callerHeld     bool
	retired        bool
	leaveRequested bool
	connected      bool
	abandoned      bool
	joinCb         JoinCallback
	leaveCb        LeaveCallback

	// settled is closed once a join outcome is known.
	settled chan struct{}
}

func newRequestPair(c *Coordinator, node *groupNode, cb JoinCallback) *Request {
	join := &Request{
		id:         uuid.New(),
		kind:       KindJoin,
		node:       node,
		coord:      c,
		joinCb:     cb,
		callerHeld: true,
		settled:    make(chan struct{}),
		admitted:   time.Now(),
	}
	join.refs.Store(2)

	leave := &Request{
		id:    uuid.New(),
		kind:  KindLeave,
		node:  node,
		coord: c,
		pair:  join,
	}
	leave.refs.Store(1)

	join.pair = leave

	metrics.RequestCreated()
	metrics.RequestCreated()

	return join
}

// ID returns the request identifier.
func (r *Request) ID() string {
	return r.id.String()
}

// Kind returns whether this is a join or a leave.
func (r *Request) Kind() RequestKind {
	return r.kind
}

// Group returns the target multicast group.
func (r *Request) Group() GID {
	return r.node.group
}

// Port returns the port the request was issued on.
func (r *Request) Port() PortID {
	return r.coord.port
}

// State returns the current lifecycle state.
func (r *Request) State() RequestState {
	r.coord.mu.Lock()
	defer r.coord.mu.Unlock()

	return r.state
}

// Refs returns the current reference count.
func (r *Request) Refs() int32 {
	return r.refs.Load()
}

// Destroyed reports whether the last reference has been dropped.
func (r *Request) Destroyed() bool {
	return r.destroyed.Load()
}

// AddRef takes an additional reference on the request.
func (r *Request) AddRef() {
	if r.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("mcast: AddRef on released %s request %s", r.kind, r.id))
	}
}

// Release drops a reference. The request is destroyed when the count reaches zero.
func (r *Request) Release() {
	n := r.refs.Add(-1)

	switch {
	case n < 0:
		panic(fmt.Sprintf("mcast: release of destroyed %s request %s", r.kind, r.id))
	case n == 0:
		r.destroy()
	}
}

func (r *Request) destroy() {
	if !r.destroyed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("mcast: %s request %s destroyed twice", r.kind, r.id))
	}

	metrics.RequestDestroyed()

	log.Debug().
		Str("port", r.coord.port.String()).
		Str("group", r.node.group.String()).
		Str("request_id", r.id.String()).
		Str("kind", r.kind.String()).
		Msg("Request destroyed")

	// The paired leave lives exactly as long as its join.
	if r.kind == KindJoin {
		r.pair.Release()
	}
}
