package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"boq-matcher/internal/jobs"
	"boq-matcher/internal/matching/model"
)

const (
	defaultJobList = 50
	maxJobList     = 500
)

// SubmitJob ingests an uploaded BOQ sheet and queues it for matching.
//
// Form fields: file, method, header_row, description_col, quantity_col,
// unit_col, user_id.
func SubmitJob(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := requestLogger(r, logger)
		defer r.Body.Close()

		if err := readForm(r, 32<<20); err != nil {
			writeError(w, log, err)
			return
		}
		method, err := model.ParseMethod(r.FormValue("method"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		tbl, name, err := readSheet(r, "file", atoi(r.FormValue("header_row"), 1))
		if err != nil {
			writeError(w, log, err)
			return
		}
		m, err := resolveMapping(tbl.Headers, Mapping{
			Description: r.FormValue("description_col"),
			Quantity:    r.FormValue("quantity_col"),
			Unit:        r.FormValue("unit_col"),
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		items := toLineItems(tbl, m, d.Cfg.MaxContextHeaders)

		st, err := d.Jobs.Submit(r.Context(), jobs.Submission{
			UserID: strings.TrimSpace(r.FormValue("user_id")),
			Method: method,
			Items:  items,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}

		writeJSON(w, log, http.StatusAccepted, map[string]any{
			"jobId":     st.ID,
			"status":    st.Status,
			"totalRows": st.TotalRows,
			"itemCount": st.ItemCount,
			"mapping":   m,
		})
		log.Info().
			Str("job_id", st.ID).
			Str("file", name).
			Str("method", string(method)).
			Int("rows", st.TotalRows).
			Int("items", st.ItemCount).
			Dur("elapsed", time.Since(start)).
			Msg("job submitted")
	}
}

// ListJobs returns persisted jobs, newest first, with live state for the
// jobs still held in memory.
func ListJobs(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		limit := min(max(atoi(r.URL.Query().Get("limit"), defaultJobList), 1), maxJobList)
		list, err := d.Store.ListJobs(r.Context(), limit)
		if err != nil {
			writeError(w, log, err)
			return
		}
		for i := range list {
			if live, ok := d.Jobs.Status(list[i].ID); ok {
				list[i] = live
			}
		}
		if list == nil {
			list = []model.JobState{}
		}
		writeJSON(w, log, http.StatusOK, map[string]any{"jobs": list})
	}
}

func GetJob(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		st, err := d.jobState(r, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, log, http.StatusOK, st)
	}
}

func (d *Deps) jobState(r *http.Request, id string) (model.JobState, error) {
	if st, ok := d.Jobs.Status(id); ok {
		return st, nil
	}
	return d.Store.GetJob(r.Context(), id)
}

func CancelJob(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		id := chi.URLParam(r, "id")
		if err := d.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, log, err)
			return
		}
		log.Info().Str("job_id", id).Msg("job cancel requested")
		writeJSON(w, log, http.StatusOK, map[string]any{"jobId": id, "cancelled": true})
	}
}

func CancelAll(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		n := d.Jobs.CancelAll(r.Context())
		log.Info().Int("jobs", n).Msg("cancel all requested")
		writeJSON(w, log, http.StatusOK, map[string]int{"cancelled": n})
	}
}

// JobLogs returns the in-memory history of a job. It is empty once the
// job has been cleaned up.
func JobLogs(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		id := chi.URLParam(r, "id")
		ls := d.Jobs.Logs()
		entries := ls.Logs(id)
		snap, live := ls.Progress(id)
		if len(entries) == 0 && !live {
			if _, err := d.jobState(r, id); err != nil {
				writeError(w, log, err)
				return
			}
		}
		body := map[string]any{"jobId": id, "logs": entries}
		if live {
			body["progress"] = snap
		}
		writeJSON(w, log, http.StatusOK, body)
	}
}

type resultSummary struct {
	Rows       int     `json:"rows"`
	Priced     int     `json:"priced"`
	Matched    int     `json:"matched"`
	TotalPrice float64 `json:"totalPrice"`
}

// JobResults returns the persisted results of a job ordered by row.
func JobResults(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		id := chi.URLParam(r, "id")
		st, err := d.jobState(r, id)
		if err != nil {
			writeError(w, log, err)
			return
		}
		results, err := d.Store.ListResults(r.Context(), id)
		if err != nil {
			writeError(w, log, err)
			return
		}
		if results == nil {
			results = []model.MatchResult{}
		}

		sum := resultSummary{Rows: len(results)}
		for _, res := range results {
			if res.Method == model.MethodContext {
				continue
			}
			sum.Priced++
			if res.MatchedItemID != "" {
				sum.Matched++
			}
			sum.TotalPrice += res.TotalPrice
		}
		writeJSON(w, log, http.StatusOK, map[string]any{
			"jobId":   id,
			"status":  st.Status,
			"summary": sum,
			"results": results,
		})
	}
}

type overrideRequest struct {
	ItemID string `json:"itemId"`
}

// OverrideResult points one result row at a catalog item chosen by a
// reviewer. Results of a running job cannot be edited.
func OverrideResult(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		defer r.Body.Close()
		id := chi.URLParam(r, "id")
		row := atoi(chi.URLParam(r, "row"), 0)
		if row <= 0 {
			writeError(w, log, badRequest("invalid row %q", chi.URLParam(r, "row")))
			return
		}
		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if statusFor(err) == http.StatusRequestEntityTooLarge {
				writeError(w, log, err)
				return
			}
			writeError(w, log, badRequest("bad json: %v", err))
			return
		}
		if strings.TrimSpace(req.ItemID) == "" {
			writeError(w, log, badRequest("itemId is required"))
			return
		}

		st, err := d.jobState(r, id)
		if err != nil {
			writeError(w, log, err)
			return
		}
		if !st.Status.Terminal() {
			writeErrorStatus(w, log, http.StatusConflict, badRequest("job %s is still %s", id, st.Status))
			return
		}
		item, err := d.Store.GetCatalogItem(r.Context(), req.ItemID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		res, err := d.Store.UpdateResult(r.Context(), id, row, item)
		if err != nil {
			writeError(w, log, err)
			return
		}
		log.Info().Str("job_id", id).Int("row", row).Str("item_id", item.ID).Msg("result overridden")
		writeJSON(w, log, http.StatusOK, res)
	}
}

func Queue(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, requestLogger(r, logger), http.StatusOK, d.Jobs.QueueStatus())
	}
}
