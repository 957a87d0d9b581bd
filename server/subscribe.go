package server

import (
	"fmt"
	"net/http"

	"termin-notifier/pkg/termin"
)

type createRequest struct {
	Filters           termin.FilterCriteria `json:"filters"`
	AppointmentTypeID int                   `json:"appointmentTypeId"`
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.registry.List()
	if subs == nil {
		subs = []*termin.Subscription{}
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.writeError(w, http.StatusTooManyRequests, "too many subscriptions, try again later")
		return
	}

	// New subscriptions are enabled unless the body says otherwise.
	req := createRequest{Filters: termin.FilterCriteria{Enabled: true}}
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AppointmentTypeID == 0 {
		req.AppointmentTypeID = req.Filters.AppointmentTypeID
	}
	if req.AppointmentTypeID <= 0 {
		s.writeError(w, http.StatusBadRequest, "appointmentTypeId is required")
		return
	}
	if req.Filters.AppointmentTypeID != 0 && req.Filters.AppointmentTypeID != req.AppointmentTypeID {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("filters name appointment type %d, request names %d",
			req.Filters.AppointmentTypeID, req.AppointmentTypeID))
		return
	}

	sub, err := s.poller.Subscribe(r.Context(), req.AppointmentTypeID, req.Filters)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("Subscription created", "subscription_id", sub.ID, "type_id", sub.AppointmentTypeID, "ip", ip)
	w.Header().Set("Location", "/api/subscriptions/"+sub.ID)
	s.writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var patch termin.CriteriaPatch
	if err := decode(w, r, &patch); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.registry.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("Subscription updated", "subscription_id", sub.ID, "enabled", sub.Filters.Enabled)
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.poller.Unsubscribe(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("Subscription deleted", "subscription_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.ResetWatermark(r.Context(), id); err != nil {
		s.writeFailure(w, err)
		return
	}
	sub, err := s.registry.Get(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.logger.Info("Subscription watermark reset", "subscription_id", id)
	s.writeJSON(w, http.StatusOK, sub)
}
