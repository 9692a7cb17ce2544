// Package directory provides fabric directory service clients used by the
// multicast coordinator to register group memberships.
//
// The simulated client behaves like a subnet administrator: it assigns
// multicast LIDs per MGID, tracks members across ports and completes every
// request asynchronously after a configurable latency. It is used when no
// real fabric management stack is available and for failure injection.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ibmcast/internal/mcast"
)

// Directory errors.
var (
	ErrClosed          = errors.New("directory client closed")
	ErrTableFull       = errors.New("multicast table full")
	ErrUnknownHandle   = errors.New("unknown directory handle")
	ErrMLIDsExhausted  = errors.New("multicast LID space exhausted")
	ErrInvalidMLIDBase = errors.New("multicast LID base must be in 0xc000-0xfffe")
)

// Multicast LIDs occupy the top quarter of the LID space.
const (
	MinMLID uint16 = 0xc000
	MaxMLID uint16 = 0xfffe
)

// Default membership attributes returned for new groups.
const (
	DefaultQKey uint32 = 0x80010000
	DefaultPKey uint16 = 0xffff
	DefaultMTU  uint8  = 4 // 2048 bytes
	DefaultRate uint8  = 16
)

// Config configures the simulated client.
type Config struct {
	JoinLatency  time.Duration
	LeaveLatency time.Duration

	// MaxGroups limits distinct MGIDs across all ports. Zero means unlimited.
	MaxGroups int

	// MLIDBase is the first multicast LID handed out. Zero selects MinMLID.
	MLIDBase uint16
}

type registration struct {
	port   mcast.PortID
	group  mcast.GID
	joined bool
}

type simulatedGroup struct {
	mlid    uint16
	members int
}

// GroupInfo describes a multicast group known to the directory.
type GroupInfo struct {
	MGID    mcast.GID
	MLID    uint16
	Members int
}

// Stats counts directory activity.
type Stats struct {
	Joins       int64
	JoinsFailed int64
	Leaves      int64
	Released    int64
}

// SimulatedClient implements mcast.DirectoryClient in memory.
type SimulatedClient struct {
	cfg Config

	mu         sync.Mutex
	nextHandle mcast.Handle
	nextMLID   uint16
	freeMLIDs  []uint16
	handles    map[mcast.Handle]*registration
	groups     map[mcast.GID]*simulatedGroup
	stats      Stats
	closed     bool

	// Fault injection
	submitErr error
	joinErrs  map[mcast.GID]error

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSimulatedClient creates a simulated directory client.
func NewSimulatedClient(cfg Config) (*SimulatedClient, error) {
	if cfg.MLIDBase == 0 {
		cfg.MLIDBase = MinMLID
	}

	if cfg.MLIDBase < MinMLID || cfg.MLIDBase > MaxMLID {
		return nil, fmt.Errorf("%w: 0x%04x", ErrInvalidMLIDBase, cfg.MLIDBase)
	}

	return &SimulatedClient{
		cfg:      cfg,
		nextMLID: cfg.MLIDBase,
		handles:  make(map[mcast.Handle]*registration),
		groups:   make(map[mcast.GID]*simulatedGroup),
		joinErrs: make(map[mcast.GID]error),
		stop:     make(chan struct{}),
	}, nil
}

// SubmitJoin implements mcast.DirectoryClient.
func (s *SimulatedClient) SubmitJoin(port mcast.PortID, group mcast.GID, done func(error, mcast.MemberRecord)) (mcast.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if s.submitErr != nil {
		return 0, s.submitErr
	}

	s.nextHandle++
	h := s.nextHandle
	s.handles[h] = &registration{port: port, group: group}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.sleep(s.cfg.JoinLatency)

		rec, err := s.completeJoin(h)
		done(err, rec)
	}()

	return h, nil
}

func (s *SimulatedClient) completeJoin(h mcast.Handle) (mcast.MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.handles[h]
	if !ok {
		return mcast.MemberRecord{}, fmt.Errorf("join: %w", ErrUnknownHandle)
	}

	logger := log.With().
		Str("port", reg.port.String()).
		Str("mgid", reg.group.String()).
		Logger()

	if err := s.joinErrs[reg.group]; err != nil {
		s.stats.JoinsFailed++
		logger.Debug().Err(err).Msg("Injected join failure")

		return mcast.MemberRecord{}, err
	}

	g, ok := s.groups[reg.group]
	if !ok {
		if s.cfg.MaxGroups > 0 && len(s.groups) >= s.cfg.MaxGroups {
			s.stats.JoinsFailed++
			return mcast.MemberRecord{}, fmt.Errorf("join %s: %w", reg.group, ErrTableFull)
		}

		mlid, err := s.allocMLID()
		if err != nil {
			s.stats.JoinsFailed++
			return mcast.MemberRecord{}, fmt.Errorf("join %s: %w", reg.group, err)
		}

		g = &simulatedGroup{mlid: mlid}
		s.groups[reg.group] = g

		logger.Debug().Uint16("mlid", mlid).Msg("Created multicast group")
	}

	g.members++
	reg.joined = true
	s.stats.Joins++

	return mcast.MemberRecord{
		MGID:      reg.group,
		MLID:      g.mlid,
		QKey:      DefaultQKey,
		PKey:      DefaultPKey,
		MTU:       DefaultMTU,
		Rate:      DefaultRate,
		Scope:     reg.group.Scope(),
		JoinState: mcast.JoinFullMember,
	}, nil
}

// SubmitLeave implements mcast.DirectoryClient. Leaves always complete, even
// for unknown handles or after Close.
func (s *SimulatedClient) SubmitLeave(h mcast.Handle, done func()) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.sleep(s.cfg.LeaveLatency)
		s.completeLeave(h)
		done()
	}()
}

func (s *SimulatedClient) completeLeave(h mcast.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.handles[h]
	if !ok {
		log.Warn().Uint64("handle", uint64(h)).Msg("Leave for unknown directory handle")
		return
	}

	s.drop(h, reg)
	s.stats.Leaves++
}

// ReleaseHandle implements mcast.DirectoryClient.
func (s *SimulatedClient) ReleaseHandle(h mcast.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.handles[h]
	if !ok {
		return
	}

	s.drop(h, reg)
	s.stats.Released++
}

func (s *SimulatedClient) drop(h mcast.Handle, reg *registration) {
	delete(s.handles, h)

	if !reg.joined {
		return
	}

	g := s.groups[reg.group]
	if g == nil {
		return
	}

	g.members--
	if g.members == 0 {
		delete(s.groups, reg.group)
		s.freeMLIDs = append(s.freeMLIDs, g.mlid)

		log.Debug().
			Str("mgid", reg.group.String()).
			Uint16("mlid", g.mlid).
			Msg("Deleted multicast group")
	}
}

func (s *SimulatedClient) allocMLID() (uint16, error) {
	if n := len(s.freeMLIDs); n > 0 {
		mlid := s.freeMLIDs[n-1]
		s.freeMLIDs = s.freeMLIDs[:n-1]

		return mlid, nil
	}

	if s.nextMLID == 0 || s.nextMLID > MaxMLID {
		return 0, ErrMLIDsExhausted
	}

	mlid := s.nextMLID
	s.nextMLID++

	return mlid, nil
}

func (s *SimulatedClient) sleep(d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.stop:
	}
}

// InjectSubmitError makes SubmitJoin fail synchronously until cleared.
func (s *SimulatedClient) InjectSubmitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

// InjectJoinError makes joins for group complete with err until cleared.
func (s *SimulatedClient) InjectJoinError(group mcast.GID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinErrs[group] = err
}

// ClearFaults removes all injected failures.
func (s *SimulatedClient) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submitErr = nil
	s.joinErrs = make(map[mcast.GID]error)
}

// Groups returns the multicast groups with at least one member, ordered by MLID.
func (s *SimulatedClient) Groups() []GroupInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]GroupInfo, 0, len(s.groups))
	for gid, g := range s.groups {
		out = append(out, GroupInfo{MGID: gid, MLID: g.mlid, Members: g.members})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MLID < out[j].MLID })

	return out
}

// Stats returns activity counters.
func (s *SimulatedClient) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Ping reports whether the client still accepts joins.
func (s *SimulatedClient) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	return nil
}

// Close rejects new joins, cuts pending latencies short and waits for all
// outstanding completions to be delivered.
func (s *SimulatedClient) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close directory: %w", ctx.Err())
	}
}
