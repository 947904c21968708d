// Package handler exposes jobs, catalog and ad-hoc matching over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"boq-matcher/internal/catalog"
	"boq-matcher/internal/config"
	"boq-matcher/internal/fileio"
	"boq-matcher/internal/jobs"
	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
	"boq-matcher/internal/middleware"
	"boq-matcher/internal/notify"
	"boq-matcher/internal/store"
)

// Deps are the collaborators shared by every handler.
type Deps struct {
	Cfg     config.Config
	Store   store.Store
	Jobs    *jobs.Orchestrator
	Catalog *catalog.Cache
	Warmer  *catalog.Warmer
	Matcher *service.Service
	Events  *notify.Bus // optional
}

func requestLogger(r *http.Request, logger zerolog.Logger) zerolog.Logger {
	if reqID := middleware.GetRequestID(r); reqID != "" {
		return logger.With().Str("req_id", reqID).Logger()
	}
	return logger
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("write json")
	}
}

// statusFor maps domain errors to response codes.
func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrValidation), errors.Is(err, fileio.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	writeErrorStatus(w, log, statusFor(err), err)
}

func writeErrorStatus(w http.ResponseWriter, log zerolog.Logger, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
		msg = http.StatusText(status)
	} else {
		log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, log, status, map[string]string{"error": msg})
}

func badRequest(format string, args ...any) error {
	return eris.Wrap(model.ErrValidation, fmt.Sprintf(format, args...))
}

// readForm parses a multipart upload. Oversized bodies keep their 413.
func readForm(r *http.Request, maxMemory int64) error {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return badRequest("bad multipart form: %v", err)
	}
	return nil
}

// readSheet reads the uploaded file field as a table.
func readSheet(r *http.Request, field string, headerRow int) (fileio.Table, string, error) {
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return fileio.Table{}, "", badRequest("missing %s: %v", field, err)
	}
	defer f.Close()
	tbl, err := fileio.ReadAnyMaps(f, hdr.Filename, headerRow)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			return fileio.Table{}, hdr.Filename, badRequest("failed to read %s: %v", hdr.Filename, err)
		}
		return fileio.Table{}, hdr.Filename, err
	}
	return tbl, hdr.Filename, nil
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return i
}

func toBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
