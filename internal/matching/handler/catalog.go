package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"boq-matcher/internal/catalog"
	"boq-matcher/internal/matching/model"
)

const searchLimit = 20

// ImportCatalog upserts a price book sheet. With warm=true the configured
// providers start embedding the new items right away.
func ImportCatalog(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := requestLogger(r, logger)
		defer r.Body.Close()

		if err := readForm(r, 32<<20); err != nil {
			writeError(w, log, err)
			return
		}
		tbl, name, err := readSheet(r, "file", atoi(r.FormValue("header_row"), 1))
		if err != nil {
			writeError(w, log, err)
			return
		}
		rep, err := catalog.Import(r.Context(), d.Store, d.Catalog, tbl)
		if err != nil {
			writeError(w, log, err)
			return
		}

		var warming []model.Provider
		if toBool(r.FormValue("warm"), false) && d.Warmer != nil {
			for _, p := range []model.Provider{model.ProviderCohere, model.ProviderOpenAI} {
				if d.Warmer.Start(p) {
					warming = append(warming, p)
				}
			}
		}

		writeJSON(w, log, http.StatusOK, map[string]any{"report": rep, "warming": warming})
		log.Info().
			Str("file", name).
			Int("imported", rep.Imported).
			Int("skipped", rep.Skipped).
			Dur("elapsed", time.Since(start)).
			Msg("catalog imported")
	}
}

// SearchCatalog runs a trigram search over the cached catalog.
func SearchCatalog(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, log, badRequest("q is required"))
			return
		}
		cat, err := d.Catalog.Get(r.Context())
		if err != nil {
			writeError(w, log, err)
			return
		}
		limit := min(max(atoi(r.URL.Query().Get("limit"), searchLimit), 1), searchLimit)
		hits := cat.Search(q, limit)
		writeJSON(w, log, http.StatusOK, map[string]any{"query": q, "total": len(hits), "hits": hits})
	}
}

// WarmEmbeddings starts a background warm-up for one provider.
func WarmEmbeddings(d *Deps, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)
		p := model.Provider(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider"))))
		if _, ok := d.Matcher.Semantic(p); !ok {
			writeError(w, log, badRequest("provider %q is not configured", p))
			return
		}
		started := d.Warmer.Start(p)
		log.Info().Str("provider", string(p)).Bool("started", started).Msg("embedding warm-up requested")
		writeJSON(w, log, http.StatusAccepted, map[string]any{
			"provider": p,
			"started":  started,
			"running":  d.Warmer.Running(p),
		})
	}
}
