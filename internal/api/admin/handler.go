package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/piwi3910/ibmcast/internal/directory"
	"github.com/piwi3910/ibmcast/internal/mcast"
)

// DefaultJoinTimeout bounds how long a join request waits for the directory.
const DefaultJoinTimeout = 30 * time.Second

// DirectoryView exposes the directory state shown by the admin API.
type DirectoryView interface {
	Groups() []directory.GroupInfo
	Stats() directory.Stats
}

// Handler handles Admin API requests
type Handler struct {
	registry    *mcast.Registry
	directory   DirectoryView
	joinTimeout time.Duration
	joinLimit   func(http.Handler) http.Handler

	mu          sync.Mutex
	memberships map[string]*membership
}

// NewHandler creates a new Admin API handler. directory may be nil.
func NewHandler(registry *mcast.Registry, dir DirectoryView) *Handler {
	return &Handler{
		registry:    registry,
		directory:   dir,
		joinTimeout: DefaultJoinTimeout,
		memberships: make(map[string]*membership),
	}
}

// SetJoinTimeout changes how long POST join requests wait for the directory.
func (h *Handler) SetJoinTimeout(d time.Duration) {
	h.joinTimeout = d
}

// LimitJoins installs a middleware, typically a rate limiter, in front of
// the join route only.
func (h *Handler) LimitJoins(mw func(http.Handler) http.Handler) {
	h.joinLimit = mw
}

// RegisterRoutes registers Admin API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	join := r
	if h.joinLimit != nil {
		join = r.With(h.joinLimit)
	}

	// Ports
	r.Get("/ports", h.ListPorts)
	r.Get("/ports/{device}/{num}", h.GetPort)
	r.Get("/ports/{device}/{num}/groups", h.ListGroups)
	join.Post("/ports/{device}/{num}/groups/{gid}", h.JoinGroup)

	// Memberships created through this API
	r.Get("/memberships", h.ListMemberships)
	r.Get("/memberships/{id}", h.GetMembership)
	r.Delete("/memberships/{id}", h.LeaveGroup)

	// Directory
	r.Get("/directory/groups", h.ListDirectoryGroups)
	r.Get("/directory/stats", h.GetDirectoryStats)
}

// Response types

type memberRecordResponse struct {
	MGID      string `json:"mgid"`
	MLID      string `json:"mlid"`
	QKey      string `json:"qkey"`
	PKey      string `json:"pkey"`
	MTU       uint8  `json:"mtu"`
	Rate      uint8  `json:"rate"`
	SL        uint8  `json:"sl"`
	FlowLabel uint32 `json:"flow_label"`
	HopLimit  uint8  `json:"hop_limit"`
	Scope     uint8  `json:"scope"`
	JoinState uint8  `json:"join_state"`
}

type groupResponse struct {
	Group     string                `json:"group"`
	State     string                `json:"state"`
	Users     int                   `json:"users"`
	Queued    int                   `json:"queued"`
	Connected int                   `json:"connected"`
	Record    *memberRecordResponse `json:"record,omitempty"`
}

type portResponse struct {
	Port       string          `json:"port"`
	Device     string          `json:"device"`
	Num        int             `json:"num"`
	QueueDepth int             `json:"queue_depth"`
	Joins      int             `json:"joins"`
	Closing    bool            `json:"closing"`
	Groups     []groupResponse `json:"groups"`
}

type directoryGroupResponse struct {
	MGID    string `json:"mgid"`
	MLID    string `json:"mlid"`
	Members int    `json:"members"`
}

func toRecordResponse(rec mcast.MemberRecord) *memberRecordResponse {
	return &memberRecordResponse{
		MGID:      rec.MGID.String(),
		MLID:      fmt.Sprintf("0x%04x", rec.MLID),
		QKey:      fmt.Sprintf("0x%08x", rec.QKey),
		PKey:      fmt.Sprintf("0x%04x", rec.PKey),
		MTU:       rec.MTU,
		Rate:      rec.Rate,
		SL:        rec.SL,
		FlowLabel: rec.FlowLabel,
		HopLimit:  rec.HopLimit,
		Scope:     rec.Scope,
		JoinState: uint8(rec.JoinState),
	}
}

func toGroupResponse(g mcast.GroupSnapshot) groupResponse {
	resp := groupResponse{
		Group:     g.Group.String(),
		State:     g.State.String(),
		Users:     g.Users,
		Queued:    g.Queued,
		Connected: g.Connected,
	}

	if g.State == mcast.GroupConnected {
		resp.Record = toRecordResponse(g.Record)
	}

	return resp
}

func toPortResponse(s mcast.PortSnapshot) portResponse {
	groups := make([]groupResponse, 0, len(s.Groups))
	for _, g := range s.Groups {
		groups = append(groups, toGroupResponse(g))
	}

	return portResponse{
		Port:       s.Port.String(),
		Device:     s.Port.Device,
		Num:        s.Port.Num,
		QueueDepth: s.QueueDepth,
		Joins:      s.Joins,
		Closing:    s.Closing,
		Groups:     groups,
	}
}

// Port handlers

// ListPorts lists every registered port with its groups
func (h *Handler) ListPorts(w http.ResponseWriter, r *http.Request) {
	snaps := h.registry.Snapshot()

	ports := make([]portResponse, 0, len(snaps))
	for _, s := range snaps {
		ports = append(ports, toPortResponse(s))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ports": ports})
}

// GetPort returns one port
func (h *Handler) GetPort(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.lookupPort(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toPortResponse(coord.Snapshot()))
}

// ListGroups lists the multicast groups of one port
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.lookupPort(w, r)
	if !ok {
		return
	}

	snap := coord.Snapshot()

	groups := make([]groupResponse, 0, len(snap.Groups))
	for _, g := range snap.Groups {
		groups = append(groups, toGroupResponse(g))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"port": snap.Port.String(), "groups": groups})
}

func (h *Handler) lookupPort(w http.ResponseWriter, r *http.Request) (*mcast.Coordinator, bool) {
	port, err := parsePortID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}

	coord, err := h.registry.Coordinator(port)
	if err != nil {
		writeMcastError(w, err)
		return nil, false
	}

	return coord, true
}

// Directory handlers

// ListDirectoryGroups lists the groups known to the directory service
func (h *Handler) ListDirectoryGroups(w http.ResponseWriter, r *http.Request) {
	if h.directory == nil {
		writeError(w, "directory view not available", http.StatusNotImplemented)
		return
	}

	infos := h.directory.Groups()

	groups := make([]directoryGroupResponse, 0, len(infos))
	for _, g := range infos {
		groups = append(groups, directoryGroupResponse{
			MGID:    g.MGID.String(),
			MLID:    fmt.Sprintf("0x%04x", g.MLID),
			Members: g.Members,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// GetDirectoryStats returns directory activity counters
func (h *Handler) GetDirectoryStats(w http.ResponseWriter, r *http.Request) {
	if h.directory == nil {
		writeError(w, "directory view not available", http.StatusNotImplemented)
		return
	}

	s := h.directory.Stats()
	writeJSON(w, http.StatusOK, map[string]int64{
		"joins":        s.Joins,
		"joins_failed": s.JoinsFailed,
		"leaves":       s.Leaves,
		"released":     s.Released,
	})
}

// Helper functions

func parsePortID(r *http.Request) (mcast.PortID, error) {
	device := chi.URLParam(r, "device")
	if device == "" {
		return mcast.PortID{}, errors.New("missing device")
	}

	num, err := strconv.Atoi(chi.URLParam(r, "num"))
	if err != nil || num <= 0 {
		return mcast.PortID{}, fmt.Errorf("invalid port number %q", chi.URLParam(r, "num"))
	}

	return mcast.PortID{Device: device, Num: num}, nil
}

func parseGroup(r *http.Request) (mcast.GID, error) {
	raw, err := url.PathUnescape(chi.URLParam(r, "gid"))
	if err != nil {
		return mcast.GID{}, fmt.Errorf("invalid group: %w", err)
	}

	return mcast.ParseGID(raw)
}

func writeMcastError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, mcast.ErrPortNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mcast.ErrInvalidGroup):
		status = http.StatusBadRequest
	case errors.Is(err, mcast.ErrLeaveInProgress):
		status = http.StatusConflict
	case errors.Is(err, mcast.ErrRequestReleased):
		status = http.StatusGone
	case errors.Is(err, mcast.ErrInsufficientResources):
		status = http.StatusTooManyRequests
	case errors.Is(err, mcast.ErrPortClosing):
		status = http.StatusServiceUnavailable
	}

	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
