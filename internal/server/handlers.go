package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/scheduler"
	"github.com/go-chi/chi/v5"
)

const errInvalidRequestBody = "invalid request body"

const maxBodyBytes = 1 << 20

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrCooldown), errors.Is(err, scheduler.ErrInFlight):
		return http.StatusTooManyRequests
	case errors.Is(err, events.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNoSession),
		errors.Is(err, scheduler.ErrSessionActive),
		errors.Is(err, scheduler.ErrSessionEnding),
		errors.Is(err, scheduler.ErrAlreadyConfirmed),
		errors.Is(err, events.ErrAlreadySent):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	respondError(w, status, err.Error())
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if degraded := s.ctl.State().Degraded; len(degraded) > 0 {
		body["status"] = "degraded"
		body["degraded"] = degraded
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctl.State())
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctl.Settings())
}

// settingsPatch carries the fields a PUT may change; absent fields keep their value.
type settingsPatch struct {
	ThresholdMode            *config.ThresholdMode `json:"thresholdMode"`
	PowerMode                *config.PowerMode     `json:"powerMode"`
	QualityMin               *float64              `json:"qualityMin"`
	AutoConfirm              *bool                 `json:"autoConfirm"`
	AutoConfirmMinConfidence *float64              `json:"autoConfirmMinConfidence"`
}

func (p settingsPatch) apply(st scheduler.Settings) scheduler.Settings {
	if p.ThresholdMode != nil {
		st.ThresholdMode = *p.ThresholdMode
	}
	if p.PowerMode != nil {
		st.PowerMode = *p.PowerMode
	}
	if p.QualityMin != nil {
		st.QualityMin = *p.QualityMin
	}
	if p.AutoConfirm != nil {
		st.AutoConfirm = *p.AutoConfirm
	}
	if p.AutoConfirmMinConfidence != nil {
		st.AutoConfirmMinConfidence = *p.AutoConfirmMinConfidence
	}
	return st
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := decodeBody(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	st := patch.apply(s.ctl.Settings())
	if err := s.ctl.ApplySettings(st); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("settings updated", "threshold_mode", st.ThresholdMode, "power_mode", st.PowerMode,
		"quality_min", st.QualityMin, "auto_confirm", st.AutoConfirm)
	respondJSON(w, http.StatusOK, s.ctl.Settings())
}

func (s *Server) writeTuning(w http.ResponseWriter, t *config.Tuning) {
	data, err := t.Marshal()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) getTuning(w http.ResponseWriter, r *http.Request) {
	s.writeTuning(w, s.ctl.Tuning())
}

// putTuning replaces the tuning profile. The body is YAML or JSON; missing keys take the defaults.
func (s *Server) putTuning(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	t, err := config.ParseTuning(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ctl.SetTuning(t)
	s.log.Info("tuning replaced")
	s.writeTuning(w, t)
}

type startSessionRequest struct {
	SessionID string `json:"sessionId"`
	CourseID  string `json:"courseId"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	req.CourseID = strings.TrimSpace(req.CourseID)
	if req.CourseID == "" {
		respondError(w, http.StatusBadRequest, "courseId is required")
		return
	}

	sess, err := s.ctl.StartSession(r.Context(), strings.TrimSpace(req.SessionID), req.CourseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.sessions != nil {
		if err := s.sessions.StartSession(r.Context(), sess.ID, sess.CourseID, sess.StartedAt); err != nil {
			s.log.Warn("failed to record session start", "session", sess.ID, "err", err)
		}
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.ctl.EndSession(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.sessions != nil {
		if err := s.sessions.EndSession(r.Context(), sum.ID, sum.EndedAt); err != nil {
			s.log.Warn("failed to record session end", "session", sum.ID, "err", err)
		}
	}
	respondJSON(w, http.StatusOK, sum)
}

type switchCourseRequest struct {
	CourseID string `json:"courseId"`
}

func (s *Server) switchCourse(w http.ResponseWriter, r *http.Request) {
	var req switchCourseRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	req.CourseID = strings.TrimSpace(req.CourseID)
	if req.CourseID == "" {
		respondError(w, http.StatusBadRequest, "courseId is required")
		return
	}
	sess, err := s.ctl.SwitchCourse(r.Context(), req.CourseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.sessions != nil {
		if err := s.sessions.StartSession(r.Context(), sess.ID, sess.CourseID, sess.StartedAt); err != nil {
			s.log.Warn("failed to record course switch", "session", sess.ID, "err", err)
		}
	}
	respondJSON(w, http.StatusOK, sess)
}

type confirmRequest struct {
	StudentID string `json:"studentId"`
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.StudentID == "" {
		respondError(w, http.StatusBadRequest, "studentId is required")
		return
	}
	c, err := s.ctl.Confirm(r.Context(), req.StudentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "studentId")
	if err := s.ctl.Undo(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// searchRoster serves the manual-confirm picker: GET /roster?q=novak
func (s *Server) searchRoster(w http.ResponseWriter, r *http.Request) {
	students, err := s.ctl.SearchRoster(r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, students)
}

func (s *Server) refreshRoster(w http.ResponseWriter, r *http.Request) {
	n, err := s.ctl.RefreshRoster(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"students": n})
}
