package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mailproof/pkg/check"
	"mailproof/pkg/store"
	"mailproof/pkg/target"
)

const maxIntakeBodyBytes = 4096

type intakeRequest struct {
	Target string `json:"target"`
}

type requestResponse struct {
	ID        int64  `json:"id"`
	Target    string `json:"target"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"`
}

// handleRequestEmail creates an EMAIL validation request and kicks off
// polling. A passing inline check short-circuits straight to ACTIVE.
func (s *Server) handleRequestEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body intakeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxIntakeBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Exactly one JSON value, nothing trailing.
	if dec.More() {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	normalized, err := target.Normalize(body.Target)
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}

	if s.scheduler.AtCapacity() {
		s.writeError(w, http.StatusServiceUnavailable, "server_busy")
		return
	}

	now := time.Now().UTC()
	last, err := s.store.FindLastCreated(ctx, normalized, store.TypeEmail)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("Cooldown lookup failed", "target", normalized, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if last != nil && now.Sub(last.CreatedAt) < s.jobsCfg.TargetCooldown {
		s.writeError(w, http.StatusTooManyRequests, "target is in cooldown window")
		return
	}

	req, err := s.store.InsertRequest(ctx, &store.NewRequest{
		Target:    normalized,
		Type:      store.TypeEmail,
		ExpiresAt: now.Add(s.jobsCfg.MaxAge),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.writeError(w, http.StatusConflict,
				fmt.Sprintf("Duplicate request for EMAIL %s", normalized))
			return
		}
		s.logger.Error("Failed to insert request", "target", normalized, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	// Fire-and-forget; a mail problem must never fail the intake.
	go func() {
		mailCtx, cancel := contextWithMailTimeout()
		defer cancel()
		if err := s.mailer.SendRequestCreated(mailCtx, req); err != nil {
			s.logger.Error("Created notification failed", "target", normalized, "error", err)
		}
	}()

	if s.runImmediateCheck(r, w, req) {
		return
	}

	s.scheduler.StartForRequest(req, s.jobsCfg.PollInterval)
	s.writeJSON(w, http.StatusAccepted, requestResponse{
		ID:        req.ID,
		Target:    req.Target,
		Type:      string(req.Type),
		Status:    string(store.StatusPending),
		ExpiresAt: req.ExpiresAt.Format(time.RFC3339),
	})
}

// runImmediateCheck validates inline at intake time. Returns true when it
// already wrote the response (immediate promotion). Any failure here falls
// back to background polling.
func (s *Server) runImmediateCheck(r *http.Request, w http.ResponseWriter, req *store.Request) bool {
	ctx := r.Context()

	result, err := s.engine.Check(ctx, req.Target)
	if err != nil {
		s.logger.Warn("Immediate check failed, deferring to background job",
			"target", req.Target,
			"error", err,
		)
		return false
	}
	s.metrics.AddCheck(ctx, result.OK)

	payload, err := check.BoundedJSON(result, s.jobsCfg.ResultJSONMaxBytes)
	if err != nil {
		s.logger.Error("Failed to serialize immediate check", "target", req.Target, "error", err)
		return false
	}
	nextCheck := time.Now().UTC().Add(s.jobsCfg.PollInterval)
	if _, err := s.store.UpdateCheckResult(ctx, req.ID, string(payload), result.CheckedAt, nextCheck); err != nil {
		s.logger.Error("Failed to persist immediate check", "target", req.Target, "error", err)
		return false
	}

	if !result.OK {
		return false
	}

	promoted, err := s.store.TransitionActive(ctx, req.ID)
	if err != nil {
		s.logger.Error("Immediate promotion failed", "target", req.Target, "error", err)
		return false
	}
	if !promoted {
		// A background tick won the race; the request is terminal either way.
		return false
	}

	s.metrics.AddPromotion(ctx)
	if err := s.store.MarkDomainActive(ctx, req.Target); err != nil {
		s.logger.Error("Failed to mark domain active", "target", req.Target, "error", err)
	}

	go func() {
		mailCtx, cancel := contextWithMailTimeout()
		defer cancel()
		row, err := s.store.FindByID(mailCtx, req.ID)
		if err != nil {
			s.logger.Error("Failed to load request for notification", "id", req.ID, "error", err)
			return
		}
		if err := s.mailer.SendStatusChange(mailCtx, row, result); err != nil {
			s.logger.Error("Status notification failed", "id", req.ID, "error", err)
		}
	}()

	s.logger.Info("Request activated at intake", "target", req.Target)
	s.writeJSON(w, http.StatusOK, requestResponse{
		ID:        req.ID,
		Target:    req.Target,
		Type:      string(req.Type),
		Status:    string(store.StatusActive),
		ExpiresAt: req.ExpiresAt.Format(time.RFC3339),
	})
	return true
}

// handleRequestUI is the retired intake path.
func (s *Server) handleRequestUI(w http.ResponseWriter, r *http.Request) {
	s.writeErrorMessage(w, http.StatusGone, "endpoint_removed",
		"UI validation requests are no longer accepted; use POST /request/email")
}
