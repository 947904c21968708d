package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
)

const topLocal = 3

type matchRequest struct {
	Description    string   `json:"description"`
	Unit           string   `json:"unit"`
	ContextHeaders []string `json:"contextHeaders"`
	Method         string   `json:"method"`
}

// Match prices a single description without creating a job.
func Match(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		defer r.Body.Close()

		var req matchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if statusFor(err) == http.StatusRequestEntityTooLarge {
				writeError(w, log, err)
				return
			}
			writeError(w, log, badRequest("bad json: %v", err))
			return
		}
		if strings.TrimSpace(req.Description) == "" {
			writeError(w, log, badRequest("description is required"))
			return
		}
		method, err := model.ParseMethod(req.Method)
		if err != nil {
			writeError(w, log, err)
			return
		}
		cat, err := d.Catalog.Get(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}

		q := service.NewQuery(model.LineItem{
			Description:    strings.TrimSpace(req.Description),
			Unit:           strings.TrimSpace(req.Unit),
			ContextHeaders: req.ContextHeaders,
		}, d.Cfg.MaxDescriptionLength, d.Cfg.MaxContextHeaders)
		matches, err := d.Matcher.MatchOne(r.Context(), method, q, cat, topLocal)
		if err != nil {
			writeError(w, log, err)
			return
		}
		if matches == nil {
			matches = []model.Match{}
		}
		writeJSON(w, log, http.StatusOK, map[string]any{"method": method, "matches": matches})
	}
}
