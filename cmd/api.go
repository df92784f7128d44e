package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/proposal-review/internal/compare"
	"github.com/sells-group/proposal-review/internal/consolidate"
	"github.com/sells-group/proposal-review/internal/diff"
	"github.com/sells-group/proposal-review/internal/draft"
	"github.com/sells-group/proposal-review/internal/resilience"
	"github.com/sells-group/proposal-review/internal/review"
	"github.com/sells-group/proposal-review/internal/store"
)

// sessionOpener loads a review session over a group of proposals.
type sessionOpener func(ctx context.Context, ids []string) (*review.Session, error)

type api struct {
	sessions *sessionRegistry
	open     sessionOpener
}

type ctxKey struct{}

func newRouter(a *api, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": a.sessions.Len()})
	})

	r.Route("/drafts", func(r chi.Router) {
		r.Post("/", a.createDraft)
		r.Route("/{sid}", func(r chi.Router) {
			r.Use(a.withSession)
			r.Get("/", a.getDraft)
			r.Delete("/", a.closeDraft)
			r.Put("/fields/{field}", a.setField)
			r.Delete("/fields/{field}", a.resetField)
			r.Post("/races", a.addRace)
			r.Patch("/races/{raceID}", a.updateRace)
			r.Delete("/races/{raceID}", a.removeRace)
			r.Post("/races/{raceID}/reset", a.resetRace)
			r.Post("/races/{raceID}/toggle-delete", a.toggleRaceDelete)
			r.Post("/save", a.save)
			r.Post("/blocks/{block}", a.validateBlock)
			r.Delete("/blocks/{block}", a.unvalidateBlock)
			r.Get("/compare", a.differences)
			r.Put("/compare/active", a.setActive)
			r.Post("/compare/copy-field/{field}", a.copyField)
			r.Post("/compare/copy-race", a.copyRace)
			r.Post("/compare/copy-all", a.copyAll)
		})
	})
	return r
}

func (a *api) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.sessions.Get(chi.URLParam(r, "sid"))
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, s)))
	})
}

func session(r *http.Request) *review.Session {
	return r.Context().Value(ctxKey{}).(*review.Session)
}

func (a *api) createDraft(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalIDs []string `json:"proposalIds"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.ProposalIDs) == 0 {
		writeError(w, http.StatusBadRequest, "proposalIds is required")
		return
	}
	s, err := a.open(r.Context(), req.ProposalIDs)
	if err != nil {
		respondErr(w, err)
		return
	}
	sid := a.sessions.Add(s)
	zap.L().Info("draft opened",
		zap.String("session_id", sid),
		zap.String("primary_id", s.PrimaryID()),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": sid, "state": s.State()})
}

func (a *api) getDraft(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, session(r).State())
}

func (a *api) closeDraft(w http.ResponseWriter, r *http.Request) {
	a.sessions.Remove(chi.URLParam(r, "sid"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setField(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value      any    `json:"value"`
		Serialized string `json:"serialized"`
	}
	if !decode(w, r, &req) {
		return
	}
	s := session(r)
	field := chi.URLParam(r, "field")
	var err error
	if req.Serialized != "" {
		err = s.SelectOption(field, req.Serialized)
	} else {
		err = s.SetField(field, req.Value)
	}
	respondState(w, s, err)
}

func (a *api) resetField(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	respondState(w, s, s.ResetField(chi.URLParam(r, "field")))
}

func (a *api) addRace(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if !decode(w, r, &fields) {
		return
	}
	id, err := session(r).AddRace(fields)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"raceId": id})
}

func (a *api) updateRace(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if !decode(w, r, &values) {
		return
	}
	s := session(r)
	respondState(w, s, s.UpdateRace(chi.URLParam(r, "raceID"), values))
}

func (a *api) removeRace(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	respondState(w, s, s.RemoveRace(chi.URLParam(r, "raceID")))
}

func (a *api) resetRace(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	respondState(w, s, s.ResetRace(chi.URLParam(r, "raceID")))
}

func (a *api) toggleRaceDelete(w http.ResponseWriter, r *http.Request) {
	deleted, err := session(r).ToggleRaceDelete(chi.URLParam(r, "raceID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (a *api) save(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	saved, err := s.Save(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if !saved {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "save in progress"})
		return
	}
	writeJSON(w, http.StatusOK, s.State())
}

func (a *api) validateBlock(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	respondState(w, s, s.ValidateBlock(r.Context(), chi.URLParam(r, "block")))
}

func (a *api) unvalidateBlock(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	respondState(w, s, s.UnvalidateBlock(r.Context(), chi.URLParam(r, "block")))
}

func (a *api) differences(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	fields, races := s.Differences()
	writeJSON(w, http.StatusOK, map[string]any{
		"activeSource": s.State().ActiveSource,
		"fields":       fields,
		"races":        races,
	})
}

func (a *api) setActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if !decode(w, r, &req) {
		return
	}
	s := session(r)
	if err := s.SetActiveSource(req.Index); err != nil {
		respondErr(w, err)
		return
	}
	a.differences(w, r)
}

func (a *api) copyField(w http.ResponseWriter, r *http.Request) {
	copied, err := session(r).CopyField(chi.URLParam(r, "field"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"copied": copied})
}

func (a *api) copyRace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceRaceID string `json:"sourceRaceId"`
		TargetRaceID string `json:"targetRaceId"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := session(r).CopyRace(req.SourceRaceID, req.TargetRaceID)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"raceId": id})
}

func (a *api) copyAll(w http.ResponseWriter, r *http.Request) {
	res, err := session(r).CopyAll()
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func respondState(w http.ResponseWriter, s *review.Session, err error) {
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.State())
}

func respondErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var se *resilience.StatusError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, draft.ErrUnknownRace),
		errors.Is(err, compare.ErrUnknownSource),
		errors.Is(err, compare.ErrUnknownSourceRace):
		return http.StatusNotFound
	case errors.Is(err, diff.ErrUnknownBlock),
		errors.Is(err, draft.ErrReservedField),
		errors.Is(err, consolidate.ErrNoProposals):
		return http.StatusBadRequest
	case errors.Is(err, review.ErrClosed):
		return http.StatusGone
	case errors.Is(err, resilience.ErrBreakerOpen):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		if se.StatusCode == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
