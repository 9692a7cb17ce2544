package mcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ibmcast/internal/metrics"
)

// Options bounds per-port resource usage. Zero values mean unlimited.
type Options struct {
	// MaxGroups is the maximum number of group nodes per port.
	MaxGroups int

	// MaxRequests is the maximum number of live join requests per port.
	MaxRequests int
}

// Coordinator serializes join and leave requests for one port against the
// directory service. Only the head of the queue is ever running, so at most
// one directory operation is outstanding per port.
//
// The mutex is never held across a caller callback or a directory call. The
// goroutine that promoted the current queue head is the only one that advances
// the queue until that head is resolved.
type Coordinator struct {
	port   PortID
	dir    DirectoryClient
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	queue      []*Request
	groups     map[GID]*groupNode
	joins      int
	closing    bool
	finalizing bool
	finalized  bool
	drained    chan struct{}
	done       chan struct{}

	// forced is set once Close stops waiting; forceCtx bounds the final leaves.
	forced   bool
	forceCtx context.Context
}

// NewCoordinator creates a coordinator for a port.
func NewCoordinator(port PortID, dir DirectoryClient, opts Options) *Coordinator {
	return &Coordinator{
		port:   port,
		dir:    dir,
		opts:   opts,
		logger: log.With().Str("port", port.String()).Logger(),
		groups: make(map[GID]*groupNode),
		done:   make(chan struct{}),
	}
}

// Port returns the port this coordinator serves.
func (c *Coordinator) Port() PortID {
	return c.port
}

// Join asks for membership in group. The callback fires exactly once with the
// outcome, possibly before Join returns. The returned handle carries a caller
// reference; see Request for how it is consumed.
func (c *Coordinator) Join(group GID, cb JoinCallback) (*Request, error) {
	if !group.IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not a multicast GID", ErrInvalidGroup, group)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		metrics.RecordRequest(c.port.String(), KindJoin.String(), metrics.OutcomeRejected)
		return nil, fmt.Errorf("join %s on %s: %w", group, c.port, ErrPortClosing)
	}

	if c.opts.MaxRequests > 0 && c.joins >= c.opts.MaxRequests {
		metrics.RecordRequest(c.port.String(), KindJoin.String(), metrics.OutcomeRejected)
		return nil, fmt.Errorf("join %s on %s: %d requests outstanding: %w",
			group, c.port, c.joins, ErrInsufficientResources)
	}

	node, ok := c.groups[group]
	if !ok {
		if c.opts.MaxGroups > 0 && len(c.groups) >= c.opts.MaxGroups {
			metrics.RecordRequest(c.port.String(), KindJoin.String(), metrics.OutcomeRejected)
			return nil, fmt.Errorf("join %s on %s: %d groups tracked: %w",
				group, c.port, len(c.groups), ErrInsufficientResources)
		}

		node = newGroupNode(group)
		c.groups[group] = node
		metrics.SetGroups(c.port.String(), len(c.groups))
	}

	join := newRequestPair(c, node, cb)
	c.joins++

	c.logger.Debug().
		Str("group", group.String()).
		Str("request_id", join.ID()).
		Str("group_state", node.state.String()).
		Msg("Join admitted")

	c.admit(join)

	return join, nil
}

// Leave drops the membership obtained by join. The callback fires once the
// leave has taken effect; leaves never fail. The caller reference of join is
// consumed when the leave completes.
func (c *Coordinator) Leave(join *Request, cb LeaveCallback) error {
	if err := c.checkJoin(join); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case join.retired, join.state >= StateRunningCallback && !join.connected:
		return fmt.Errorf("leave %s: %w", join.id, ErrRequestReleased)
	case join.leaveRequested:
		return fmt.Errorf("leave %s: %w", join.id, ErrLeaveInProgress)
	case c.finalizing:
		return fmt.Errorf("leave %s on %s: %w", join.id, c.port, ErrPortClosing)
	}

	join.leaveRequested = true

	leave := join.pair
	leave.leaveCb = cb
	leave.admitted = time.Now()
	leave.AddRef()

	c.logger.Debug().
		Str("group", join.node.group.String()).
		Str("request_id", join.ID()).
		Msg("Leave admitted")

	c.admit(leave)

	return nil
}

// CancelJoin withdraws a join. A join that is still scheduled is removed as if
// it never happened and false is returned without notifying the caller; a
// leave already queued for it is discarded and its callback never fires. A join
// that is already running waits until its outcome is known and reports whether
// the group ended up connected. When false is returned the caller reference is
// gone; when true is returned the caller is still a member and must Leave.
func (c *Coordinator) CancelJoin(ctx context.Context, join *Request) (bool, error) {
	if err := c.checkJoin(join); err != nil {
		return false, err
	}

	c.mu.Lock()

	if join.state == StateScheduled && join.queued {
		c.dequeue(join)
		join.state = StateDone
		close(join.settled)
		c.discardPendingLeave(join)
		c.retireJoin(join)
		metrics.RecordRequest(c.port.String(), KindJoin.String(), metrics.OutcomeCancelled)

		c.logger.Debug().
			Str("group", join.node.group.String()).
			Str("request_id", join.ID()).
			Msg("Scheduled join cancelled")

		c.mu.Unlock()

		return false, nil
	}

	settled := join.settled
	c.mu.Unlock()

	select {
	case <-settled:
	case <-ctx.Done():
		return false, fmt.Errorf("cancel join %s: %w", join.id, ctx.Err())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return join.connected && !join.retired, nil
}

func (c *Coordinator) checkJoin(join *Request) error {
	switch {
	case join == nil, join.kind != KindJoin:
		return ErrNotJoin
	case join.coord != c:
		return fmt.Errorf("%w: request belongs to port %s", ErrNotJoin, join.coord.port)
	}

	return nil
}

// admit appends r to the queue. If the queue was empty r becomes the running
// head and the scheduler is driven from the calling goroutine.
func (c *Coordinator) admit(r *Request) {
	if c.enqueue(r) {
		r.state = StateRunning
		c.processNextRequest()

		return
	}

	r.state = StateScheduled
}

// processNextRequest advances the queue as far as it can without waiting on
// the directory service. Must be called with c.mu held, and only by the
// goroutine that owns the queue head.
func (c *Coordinator) processNextRequest() {
	for len(c.queue) > 0 && !c.forced {
		req := c.queue[0]
		node := req.node

		switch req.state {
		case StateScheduled:
			req.state = StateRunning
		case StateRunning:
		default:
			c.invariant("queue head %s request %s is %s", req.kind, req.id, req.state)
		}

		switch node.state {
		case GroupIdle:
			if req.kind == KindLeave {
				c.invariant("leave %s queued against idle group %s", req.id, node.group)
			}

			if c.submitJoin(req) {
				return
			}
		case GroupConnected:
			if req.kind == KindJoin {
				c.attachJoiner(req)
				continue
			}

			if node.users == 1 {
				c.submitLeave(req)
				return
			}

			c.softLeave(req)
		default:
			c.invariant("group %s scheduled while %s", node.group, node.state)
		}
	}

	if c.forced {
		c.forceDrain()
		c.finalize(c.forceCtx)

		return
	}

	c.signalDrained()
}

// submitJoin hands the head join to the directory service. It returns false if
// the submission was rejected synchronously, in which case the join has
// already been failed and dequeued.
func (c *Coordinator) submitJoin(req *Request) bool {
	node := req.node
	node.state = GroupConnecting

	// Completions wait until the handle has been recorded.
	ready := make(chan struct{})

	var (
		h   Handle
		err error
	)

	c.unlocked(func() {
		h, err = c.dir.SubmitJoin(c.port, node.group, func(status error, rec MemberRecord) {
			<-ready
			c.onJoinComplete(req, status, rec)
		})
	})

	metrics.RecordDirectoryOperation("join", err)

	// Close gave up on the port while the submission was in flight.
	if req.abandoned {
		if err == nil {
			node.handle = h
		}

		close(ready)

		return true
	}

	if err == nil {
		node.handle = h
		close(ready)

		c.logger.Debug().
			Str("group", node.group.String()).
			Str("request_id", req.ID()).
			Uint64("handle", uint64(h)).
			Msg("Join submitted to directory")

		return true
	}

	close(ready)

	c.logger.Warn().
		Err(err).
		Str("group", node.group.String()).
		Str("request_id", req.ID()).
		Msg("Directory rejected join submission")

	node.state = GroupIdle
	err = fmt.Errorf("submit join %s: %w", node.group, err)

	req.state = StateRunningCallback
	close(req.settled)
	c.unlocked(func() {
		c.notifyJoin(req, JoinResult{Group: node.group, Err: err}, metrics.OutcomeFailed)
	})

	// The failed head stays queued until every callback sharing its outcome
	// has returned, so joins admitted meanwhile wait behind it.
	req.state = StateDone
	c.failWaiters(node, err)
	c.dropPendingLeave(req)
	c.dequeue(req)
	c.retireJoin(req)

	return false
}

func (c *Coordinator) onJoinComplete(req *Request, status error, rec MemberRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := req.node
	if req.abandoned {
		c.releaseAbandoned(node, status)
		return
	}

	if len(c.queue) == 0 || c.queue[0] != req || req.state != StateRunning || node.state != GroupConnecting {
		c.invariant("join completion for %s request %s does not match queue head", node.group, req.id)
	}

	req.state = StateRunningCallback
	res := JoinResult{Group: node.group, Err: status, Record: rec}

	var stale Handle

	outcome := metrics.OutcomeJoined
	if status == nil {
		node.state = GroupConnected
		node.users = 1
		node.record = rec
		req.connected = true

		c.logger.Info().
			Str("group", node.group.String()).
			Uint16("mlid", rec.MLID).
			Msg("Joined multicast group")
	} else {
		node.state = GroupIdle
		stale = node.handle
		node.handle = 0
		outcome = metrics.OutcomeFailed

		c.logger.Warn().
			Err(status).
			Str("group", node.group.String()).
			Msg("Multicast join failed")
	}

	close(req.settled)

	c.unlocked(func() {
		if status != nil {
			c.dir.ReleaseHandle(stale)
		}

		c.notifyJoin(req, res, outcome)
	})

	req.state = StateDone

	if status == nil {
		c.dequeue(req)
		node.connected[req] = struct{}{}
	} else {
		// Dequeued last; see submitJoin.
		c.failWaiters(node, status)
		c.dropPendingLeave(req)
		c.dequeue(req)
		c.retireJoin(req)
	}

	c.processNextRequest()
}

// releaseAbandoned cleans up after a join completion that arrives once Close
// has already given up on the port.
func (c *Coordinator) releaseAbandoned(node *groupNode, status error) {
	h := node.handle
	node.handle = 0

	c.logger.Debug().
		Err(status).
		Str("group", node.group.String()).
		Msg("Join completed after port was closed")

	c.unlocked(func() {
		if status != nil {
			c.dir.ReleaseHandle(h)
			return
		}

		c.dir.SubmitLeave(h, func() {})
		metrics.RecordDirectoryOperation("leave", nil)
	})
}

// attachJoiner answers a join for an already connected group from the cached
// membership record.
func (c *Coordinator) attachJoiner(req *Request) {
	node := req.node
	node.users++

	req.state = StateRunningCallback
	req.connected = true
	close(req.settled)

	res := JoinResult{Group: node.group, Record: node.record}
	c.unlocked(func() {
		c.notifyJoin(req, res, metrics.OutcomeCoalesced)
	})

	req.state = StateDone
	c.dequeue(req)
	node.connected[req] = struct{}{}
}

func (c *Coordinator) submitLeave(req *Request) {
	node := req.node
	node.state = GroupLeaving
	h := node.handle

	c.unlocked(func() {
		c.dir.SubmitLeave(h, func() {
			c.onLeaveComplete(req)
		})
	})

	metrics.RecordDirectoryOperation("leave", nil)

	c.logger.Debug().
		Str("group", node.group.String()).
		Str("request_id", req.ID()).
		Msg("Leave submitted to directory")
}

func (c *Coordinator) onLeaveComplete(req *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := req.node
	if req.abandoned {
		return
	}

	if len(c.queue) == 0 || c.queue[0] != req || req.kind != KindLeave ||
		req.state != StateRunning || node.state != GroupLeaving {
		c.invariant("leave completion for %s request %s does not match queue head", node.group, req.id)
	}

	req.state = StateRunningCallback
	node.state = GroupIdle
	node.users = 0
	node.handle = 0

	c.logger.Info().
		Str("group", node.group.String()).
		Msg("Left multicast group")

	c.unlocked(func() {
		c.notifyLeave(req, metrics.OutcomeLeft)
	})

	req.state = StateDone
	c.dequeue(req)
	c.finishLeave(req)
	c.processNextRequest()
}

// softLeave drops one user of a group that still has others, without
// contacting the directory service.
func (c *Coordinator) softLeave(req *Request) {
	node := req.node
	node.users--

	req.state = StateRunningCallback
	c.unlocked(func() {
		c.notifyLeave(req, metrics.OutcomeSoftLeft)
	})

	req.state = StateDone
	c.dequeue(req)
	c.finishLeave(req)
}

// failWaiters fails every scheduled join for node with the outcome of the
// join that was just attempted for it.
func (c *Coordinator) failWaiters(node *groupNode, err error) {
	var waiters []*Request

	for _, r := range c.queue {
		if r.node == node && r.kind == KindJoin && r.state == StateScheduled {
			waiters = append(waiters, r)
		}
	}

	for _, w := range waiters {
		// Cancelled while the lock was dropped.
		if !w.queued || w.state != StateScheduled {
			continue
		}

		c.dequeue(w)
		w.state = StateRunningCallback
		close(w.settled)

		c.unlocked(func() {
			c.notifyJoin(w, JoinResult{Group: node.group, Err: err}, metrics.OutcomeFailed)
		})

		w.state = StateDone
		c.dropPendingLeave(w)
		c.retireJoin(w)
	}
}

// discardPendingLeave releases a queued leave whose join was withdrawn before
// it ran, without invoking its callback.
func (c *Coordinator) discardPendingLeave(join *Request) {
	leave := join.pair
	if !leave.queued {
		return
	}

	c.dequeue(leave)
	leave.state = StateDone
	metrics.RecordRequest(c.port.String(), KindLeave.String(), metrics.OutcomeCancelled)
	leave.Release()
}

// dropPendingLeave completes a queued leave whose join will never connect.
func (c *Coordinator) dropPendingLeave(join *Request) {
	leave := join.pair
	if !leave.queued {
		return
	}

	c.dequeue(leave)
	leave.state = StateRunningCallback
	c.unlocked(func() {
		c.notifyLeave(leave, metrics.OutcomeLeft)
	})

	leave.state = StateDone
	leave.Release()
}

func (c *Coordinator) finishLeave(leave *Request) {
	leave.Release()
	c.retireJoin(leave.pair)
}

// retireJoin removes a join from all bookkeeping and drops the coordinator
// and caller references.
func (c *Coordinator) retireJoin(join *Request) {
	join.retired = true
	c.joins--

	node := join.node
	delete(node.connected, join)
	c.maybeRemoveNode(node)

	join.Release()

	if join.callerHeld {
		join.callerHeld = false
		join.Release()
	}
}

func (c *Coordinator) maybeRemoveNode(node *groupNode) {
	if !node.unused() || c.groups[node.group] != node {
		return
	}

	delete(c.groups, node.group)
	metrics.SetGroups(c.port.String(), len(c.groups))
}

func (c *Coordinator) notifyJoin(req *Request, res JoinResult, outcome string) {
	metrics.RecordRequest(c.port.String(), KindJoin.String(), outcome)
	metrics.ObserveRequestDuration(c.port.String(), KindJoin.String(), time.Since(req.admitted))

	if req.joinCb != nil {
		req.joinCb(req, res)
	}
}

func (c *Coordinator) notifyLeave(leave *Request, outcome string) {
	metrics.RecordRequest(c.port.String(), KindLeave.String(), outcome)
	metrics.ObserveRequestDuration(c.port.String(), KindLeave.String(), time.Since(leave.admitted))

	if leave.leaveCb != nil {
		leave.leaveCb(leave.pair)
	}
}

// enqueue appends r and reports whether the queue was empty.
func (c *Coordinator) enqueue(r *Request) bool {
	wasEmpty := len(c.queue) == 0

	c.queue = append(c.queue, r)
	r.queued = true
	r.node.queued++
	metrics.SetQueueDepth(c.port.String(), len(c.queue))

	return wasEmpty
}

func (c *Coordinator) dequeue(r *Request) {
	for i, q := range c.queue {
		if q != r {
			continue
		}

		copy(c.queue[i:], c.queue[i+1:])
		c.queue[len(c.queue)-1] = nil
		c.queue = c.queue[:len(c.queue)-1]
		r.queued = false
		r.node.queued--
		metrics.SetQueueDepth(c.port.String(), len(c.queue))

		return
	}

	c.invariant("%s request %s is not queued", r.kind, r.id)
}

func (c *Coordinator) signalDrained() {
	if c.drained != nil && len(c.queue) == 0 {
		close(c.drained)
		c.drained = nil
	}
}

// unlocked runs fn with c.mu released.
func (c *Coordinator) unlocked(fn func()) {
	c.mu.Unlock()
	defer c.mu.Lock()

	fn()
}

func (c *Coordinator) invariant(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Error().Msg("Multicast coordinator invariant violated: " + msg)
	panic("mcast: " + msg)
}

// Close drains the coordinator. Scheduled joins are discarded without
// notification, outstanding leaves and any running join are allowed to finish,
// and groups that are still connected get a final leave. If ctx expires first,
// whatever is still queued is completed with ErrPortClosing and the port is
// finalized anyway; the ctx error is returned. Close must not be called from a
// join or leave callback of this coordinator.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()

	if c.closing {
		done := c.done
		c.mu.Unlock()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("close port %s: %w", c.port, ctx.Err())
		}
	}

	c.closing = true
	c.logger.Info().Int("queued", len(c.queue)).Int("groups", len(c.groups)).Msg("Closing port coordinator")

	for _, r := range append([]*Request(nil), c.queue...) {
		if r.kind != KindJoin || r.state != StateScheduled || !r.queued {
			continue
		}

		c.dequeue(r)
		r.state = StateDone
		close(r.settled)
		c.dropPendingLeave(r)
		c.retireJoin(r)
		metrics.RecordRequest(c.port.String(), KindJoin.String(), metrics.OutcomeCancelled)
	}

	// Leaves may still be admitted while draining.
	for len(c.queue) > 0 {
		c.drained = make(chan struct{})
		drained := c.drained

		c.logger.Info().Int("outstanding", len(c.queue)).Msg("Waiting for outstanding requests")
		c.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			c.mu.Lock()
			c.abandon(ctx)
			c.mu.Unlock()

			return fmt.Errorf("close port %s: drain: %w", c.port, ctx.Err())
		}

		c.mu.Lock()
	}

	c.finalize(ctx)
	c.mu.Unlock()

	return nil
}

// abandon stops waiting for outstanding requests. Everything still queued is
// completed with ErrPortClosing, and directory operations in flight are cleaned
// up when they complete. If the queue head is inside a callback, the goroutine
// running it does this once the callback returns.
func (c *Coordinator) abandon(ctx context.Context) {
	if c.forced || c.finalized {
		return
	}

	c.forced = true
	c.finalizing = true
	c.forceCtx = ctx

	c.logger.Warn().Int("outstanding", len(c.queue)).Msg("Abandoning outstanding requests")

	if len(c.queue) > 0 {
		switch c.queue[0].state {
		case StateRunningCallback, StateDone:
			return
		}
	}

	c.forceDrain()
	c.finalize(ctx)
}

func (c *Coordinator) forceDrain() {
	for len(c.queue) > 0 {
		r := c.queue[0]
		c.dequeue(r)

		if r.state == StateRunning {
			r.abandoned = true
		}

		r.state = StateRunningCallback

		if r.kind == KindLeave {
			c.unlocked(func() {
				c.notifyLeave(r, metrics.OutcomeForced)
			})

			r.state = StateDone
			c.finishLeave(r)

			continue
		}

		close(r.settled)

		err := fmt.Errorf("join %s on %s: %w", r.node.group, c.port, ErrPortClosing)
		c.unlocked(func() {
			c.notifyJoin(r, JoinResult{Group: r.node.group, Err: err}, metrics.OutcomeForced)
		})

		r.state = StateDone
		c.dropPendingLeave(r)
		c.retireJoin(r)
	}
}

// finalize releases what is left once the queue is empty: joins still attached
// are retired and connected groups get a final leave.
func (c *Coordinator) finalize(ctx context.Context) {
	if c.finalized {
		return
	}

	c.finalized = true
	c.finalizing = true

	nodes := make([]*groupNode, 0, len(c.groups))
	for _, node := range c.groups {
		nodes = append(nodes, node)
	}

	for _, node := range nodes {
		for join := range node.connected {
			c.logger.Warn().
				Str("group", node.group.String()).
				Str("request_id", join.ID()).
				Msg("Releasing join still attached at shutdown")
			metrics.RecordRequest(c.port.String(), KindJoin.String(), metrics.OutcomeForced)
			c.retireJoin(join)
		}

		// Connecting and leaving groups are cleaned up by their completion.
		if node.state == GroupConnected {
			h := node.handle
			node.state = GroupLeaving

			c.unlocked(func() {
				c.finalLeave(ctx, node.group, h)
			})

			node.state = GroupIdle
			node.users = 0
			node.handle = 0
		}

		delete(c.groups, node.group)
	}

	metrics.ClearPort(c.port.String())
	close(c.done)

	c.logger.Info().Msg("Port coordinator closed")
}

// finalLeave issues a leave during shutdown and waits for it, discarding the result.
func (c *Coordinator) finalLeave(ctx context.Context, group GID, h Handle) {
	done := make(chan struct{})

	c.dir.SubmitLeave(h, func() {
		close(done)
	})
	metrics.RecordDirectoryOperation("leave", nil)

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn().
			Err(ctx.Err()).
			Str("group", group.String()).
			Msg("Timed out waiting for final leave")
	}
}

// GroupSnapshot describes one group node at a point in time.
type GroupSnapshot struct {
	Group     GID
	State     GroupState
	Users     int
	Queued    int
	Connected int
	Record    MemberRecord
}

// PortSnapshot describes a coordinator at a point in time.
type PortSnapshot struct {
	Port       PortID
	QueueDepth int
	Joins      int
	Closing    bool
	Groups     []GroupSnapshot
}

// Snapshot returns the current state of the coordinator, groups ordered by GID.
func (c *Coordinator) Snapshot() PortSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := PortSnapshot{
		Port:       c.port,
		QueueDepth: len(c.queue),
		Joins:      c.joins,
		Closing:    c.closing,
		Groups:     make([]GroupSnapshot, 0, len(c.groups)),
	}

	for _, node := range c.groups {
		snap.Groups = append(snap.Groups, GroupSnapshot{
			Group:     node.group,
			State:     node.state,
			Users:     node.users,
			Queued:    node.queued,
			Connected: len(node.connected),
			Record:    node.record,
		})
	}

	sort.Slice(snap.Groups, func(i, j int) bool {
		return snap.Groups[i].Group.String() < snap.Groups[j].Group.String()
	})

	return snap
}
