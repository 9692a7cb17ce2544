package mcast

// GroupState is the membership state of a group node.
type GroupState int

const (
	GroupIdle GroupState = iota
	GroupConnecting
	GroupConnected
	GroupLeaving
)

func (s GroupState) String() string {
	switch s {
	case GroupIdle:
		return "idle"
	case GroupConnecting:
		return "connecting"
	case GroupConnected:
		return "connected"
	case GroupLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// groupNode is the per-group state of one port coordinator. All fields are
// guarded by the owning coordinator's mutex.
//
// users is zero exactly when the node is idle or connecting.
type groupNode struct {
	group  GID
	state  GroupState
	users  int
	handle Handle
	record MemberRecord

	// queued counts requests for this node currently in the port queue.
	queued int

	// connected holds joins that completed successfully and have not left.
	connected map[*Request]struct{}
}

func newGroupNode(group GID) *groupNode {
	return &groupNode{
		group:     group,
		connected: make(map[*Request]struct{}),
	}
}

// unused reports whether nothing references the node any more.
func (n *groupNode) unused() bool {
	return n.state == GroupIdle && n.queued == 0 && len(n.connected) == 0
}
