package mcast

import (
	"errors"
	"fmt"
	"net"
)

// Coordinator errors.
var (
	ErrPortNotFound          = errors.New("port not registered")
	ErrPortExists            = errors.New("port already registered")
	ErrPortClosing           = errors.New("port coordinator is shutting down")
	ErrInsufficientResources = errors.New("insufficient resources for multicast request")
	ErrInvalidGroup          = errors.New("invalid multicast group")
	ErrNotJoin               = errors.New("request is not a join request")
	ErrLeaveInProgress       = errors.New("leave already requested for this join")
	ErrRequestReleased       = errors.New("join request is no longer active")
)

// GID is a 128-bit fabric global identifier. Multicast GIDs carry the 0xff prefix.
type GID [16]byte

// ParseGID parses a GID written in IPv6 notation, e.g. "ff12:401b:ffff::1".
func ParseGID(s string) (GID, error) {
	var g GID

	ip := net.ParseIP(s)
	if ip == nil || ip.To4() != nil {
		return g, fmt.Errorf("%w: %q is not a 128-bit GID", ErrInvalidGroup, s)
	}

	copy(g[:], ip.To16())

	return g, nil
}

// MustParseGID is like ParseGID but panics on error.
func MustParseGID(s string) GID {
	g, err := ParseGID(s)
	if err != nil {
		panic(err)
	}

	return g
}

// String returns the GID in IPv6 notation.
func (g GID) String() string {
	return net.IP(g[:]).String()
}

// IsMulticast reports whether the GID is a multicast GID.
func (g GID) IsMulticast() bool {
	return g[0] == 0xff
}

// Scope returns the multicast scope nibble.
func (g GID) Scope() uint8 {
	return g[1] & 0x0f
}

// PortID identifies a physical adapter port.
type PortID struct {
	Device string
	Num    int
}

func (p PortID) String() string {
	return fmt.Sprintf("%s/%d", p.Device, p.Num)
}

// JoinState is the membership type requested from the directory service.
type JoinState uint8

const (
	JoinFullMember        JoinState = 1 << 0
	JoinNonMember         JoinState = 1 << 1
	JoinSendOnlyNonMember JoinState = 1 << 2
)

// MemberRecord holds the membership attributes returned by the directory
// service for a successful join. The coordinator caches it on the group so
// later joiners can be answered without another directory round trip.
type MemberRecord struct {
	MGID      GID
	MLID      uint16
	QKey      uint32
	PKey      uint16
	MTU       uint8
	Rate      uint8
	SL        uint8
	FlowLabel uint32
	HopLimit  uint8
	Scope     uint8
	JoinState JoinState
}

// Handle is an opaque directory registration handle.
type Handle uint64

// DirectoryClient submits membership changes to the fabric directory service.
//
// Completions must be delivered asynchronously, never on the submitting
// goroutine before Submit returns, and exactly once per successful submission.
// A SubmitJoin that returns an error never invokes done. The completion
// goroutine may block.
type DirectoryClient interface {
	SubmitJoin(port PortID, group GID, done func(err error, rec MemberRecord)) (Handle, error)
	SubmitLeave(h Handle, done func())
	ReleaseHandle(h Handle)
}
