package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ibmcast/internal/mcast"
)

// cancelWait bounds how long an abandoned join waits for the directory to settle.
const cancelWait = 5 * time.Second

// membership is a join made through the admin API and not yet left.
type membership struct {
	ID      string
	Port    mcast.PortID
	Group   mcast.GID
	Record  mcast.MemberRecord
	Created time.Time

	join *mcast.Request
}

type membershipResponse struct {
	ID      string                `json:"id"`
	Port    string                `json:"port"`
	Group   string                `json:"group"`
	Record  *memberRecordResponse `json:"record"`
	Created time.Time             `json:"created"`
}

func (m *membership) response() membershipResponse {
	return membershipResponse{
		ID:      m.ID,
		Port:    m.Port.String(),
		Group:   m.Group.String(),
		Record:  toRecordResponse(m.Record),
		Created: m.Created,
	}
}

// JoinGroup joins a multicast group on a port and waits for the outcome.
// If the client goes away or the join timeout passes first, the join is
// cancelled, or left again if it had already connected.
func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	port, err := parsePortID(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	group, err := parseGroup(r)
	if err != nil {
		writeMcastError(w, err)
		return
	}

	results := make(chan mcast.JoinResult, 1)

	join, err := h.registry.Join(port, group, func(_ *mcast.Request, res mcast.JoinResult) {
		results <- res
	})
	if err != nil {
		writeMcastError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.joinTimeout)
	defer cancel()

	select {
	case res := <-results:
		if res.Err != nil {
			writeError(w, res.Err.Error(), http.StatusBadGateway)
			return
		}

		m := &membership{
			ID:      join.ID(),
			Port:    port,
			Group:   group,
			Record:  res.Record,
			Created: time.Now(),
			join:    join,
		}

		h.mu.Lock()
		h.memberships[m.ID] = m
		h.mu.Unlock()

		log.Info().
			Str("membership_id", m.ID).
			Str("port", port.String()).
			Str("group", group.String()).
			Msg("Membership created")

		writeJSON(w, http.StatusCreated, m.response())

	case <-ctx.Done():
		go h.abandon(join, results)
		writeError(w, "join did not complete: "+ctx.Err().Error(), http.StatusGatewayTimeout)
	}
}

// abandon gives up on a join nobody is waiting for any more.
func (h *Handler) abandon(join *mcast.Request, results <-chan mcast.JoinResult) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelWait)
	defer cancel()

	connected, err := h.registry.CancelJoin(ctx, join)
	if err == nil {
		if connected {
			h.leaveAbandoned(join)
		}

		return
	}

	// Still with the directory; clean up whenever it answers.
	if res := <-results; res.Err == nil {
		h.leaveAbandoned(join)
	}
}

func (h *Handler) leaveAbandoned(join *mcast.Request) {
	if err := h.registry.Leave(join, nil); err != nil && !errors.Is(err, mcast.ErrRequestReleased) {
		log.Warn().Err(err).Str("request_id", join.ID()).Msg("Failed to leave abandoned join")
	}
}

// ListMemberships lists memberships created through this API
func (h *Handler) ListMemberships(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()

	list := make([]membershipResponse, 0, len(h.memberships))
	for _, m := range h.memberships {
		list = append(list, m.response())
	}

	h.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Created.Equal(list[j].Created) {
			return list[i].ID < list[j].ID
		}

		return list[i].Created.Before(list[j].Created)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"memberships": list})
}

// GetMembership returns one membership
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	m, ok := h.memberships[chi.URLParam(r, "id")]
	h.mu.Unlock()

	if !ok {
		writeError(w, "membership not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, m.response())
}

// LeaveGroup leaves a membership and waits for the leave to finish.
func (h *Handler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	m, ok := h.memberships[id]
	h.mu.Unlock()

	if !ok {
		writeError(w, "membership not found", http.StatusNotFound)
		return
	}

	left := make(chan struct{})

	err := h.registry.Leave(m.join, func(*mcast.Request) { close(left) })
	if err != nil {
		// The port went away and took the membership with it.
		if errors.Is(err, mcast.ErrRequestReleased) {
			h.forget(id)
		}

		writeMcastError(w, err)

		return
	}

	h.forget(id)

	ctx, cancel := context.WithTimeout(r.Context(), h.joinTimeout)
	defer cancel()

	select {
	case <-left:
		w.WriteHeader(http.StatusNoContent)
	case <-ctx.Done():
		// The leave is queued and will still run.
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "leaving"})
	}
}

func (h *Handler) forget(id string) {
	h.mu.Lock()
	delete(h.memberships, id)
	h.mu.Unlock()

	log.Info().Str("membership_id", id).Msg("Membership removed")
}
