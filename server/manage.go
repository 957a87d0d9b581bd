package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"termin-notifier/pkg/termin"
	"termin-notifier/settings"
)

type typeView struct {
	termin.AppointmentType
	Selected  bool `json:"selected"`
	Monitored bool `json:"monitored"`
}

type appointmentsView struct {
	Data          []termin.AppointmentData `json:"data"`
	Slots         []termin.Slot            `json:"slots"`
	TypeID        int                      `json:"appointmentTypeId"`
	LastTimestamp int64                    `json:"lastTimestamp"`
	Fresh         bool                     `json:"fresh"`
}

func (s *Server) handleListTypes(w http.ResponseWriter, _ *http.Request) {
	selected := s.poller.SelectedTypes()
	active := s.cache.ActiveTypes()
	types := s.catalog.Types()
	out := make([]typeView, 0, len(types))
	for _, t := range types {
		out = append(out, typeView{
			AppointmentType: t,
			Selected:        slices.Contains(selected, t.ID),
			Monitored:       slices.Contains(active, t.ID),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.typeID(w, r)
	if !ok {
		return
	}

	view := appointmentsView{TypeID: id}
	if r.URL.Query().Get("fresh") == "1" {
		ctx, cancel := context.WithTimeout(r.Context(), s.freshTimeout)
		defer cancel()
		data, err := s.cache.FreshSnapshot(ctx, id)
		if err != nil {
			s.logger.Warn("Fresh snapshot failed", "type_id", id, "error", err)
			if errors.Is(err, context.DeadlineExceeded) {
				s.writeError(w, http.StatusGatewayTimeout, "upstream timed out")
				return
			}
			s.writeError(w, http.StatusBadGateway, "upstream unavailable")
			return
		}
		view.Data = data
		view.Fresh = true
	} else {
		view.Data = s.cache.CachedSnapshot(id)
	}
	if view.Data == nil {
		view.Data = []termin.AppointmentData{}
	}
	view.Slots = s.cache.CachedSlots(id)
	if view.Slots == nil {
		view.Slots = []termin.Slot{}
	}
	view.LastTimestamp = s.cache.LatestTimestamp(id)
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.typeID(w, r)
	if !ok {
		return
	}
	if err := s.poller.SelectType(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]int{"selectedAppointmentTypes": s.poller.SelectedTypes()})
}

func (s *Server) handleDeselect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.typeID(w, r)
	if !ok {
		return
	}
	if err := s.poller.DeselectType(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]int{"selectedAppointmentTypes": s.poller.SelectedTypes()})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settings.Current())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := decode(w, r, &patch); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prefs, err := s.poller.UpdateSettings(r.Context(), patch)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("Settings updated",
		"poll_interval", prefs.PollInterval().String(),
		"polling_active", prefs.PollingActive,
		"selected_types", len(prefs.SelectedTypes))
	s.writeJSON(w, http.StatusOK, prefs)
}

// typeID parses the {id} path value and checks it against the catalog.
func (s *Server) typeID(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.PathValue("id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid appointment type id %q", raw))
		return 0, false
	}
	if _, ok := s.catalog.Lookup(id); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown appointment type %d", id))
		return 0, false
	}
	return id, true
}
