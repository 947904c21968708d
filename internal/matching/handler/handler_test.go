package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boq-matcher/internal/catalog"
	"boq-matcher/internal/config"
	"boq-matcher/internal/fileio"
	"boq-matcher/internal/jobs"
	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
	"boq-matcher/internal/notify"
	"boq-matcher/internal/store"
)

const boqCSV = `Item,Description,Qty,Unit
1,Concrete works,,
1.1,Plain cement concrete 1:4:8 in foundation,12.5,cum
1.2,Reinforced cement concrete M25 in slab,30,cum
2,Masonry,,
2.1,Brick masonry in cement mortar 1:6,45,sqm
`

var seedItems = []model.CatalogItem{
	{ID: "c1", Code: "PCC-01", Description: "Plain cement concrete 1:4:8", Unit: "cum", Rate: 5000, Category: "Concrete", Active: true},
	{ID: "c2", Code: "RCC-25", Description: "Reinforced cement concrete M25 slab", Unit: "cum", Rate: 8000, Category: "Concrete", Active: true},
	{ID: "c3", Code: "BM-16", Description: "Brick masonry in cement mortar 1:6", Unit: "sqm", Rate: 900, Category: "Masonry", Active: true},
}

type testEnv struct {
	deps   *Deps
	store  *store.SQLiteStore
	router http.Handler
}

func newTestEnv(t *testing.T, seed bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	nop := zerolog.Nop()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "boq.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	if seed {
		_, err = st.UpsertCatalogItems(ctx, seedItems)
		require.NoError(t, err)
	}

	svc := service.New(service.NewLexical(service.LexicalOptions{}, nop), nop)
	cache := catalog.NewCache(st, catalog.Options{}, nop)
	warmer := catalog.NewWarmer(cache, svc, time.Minute, nop)
	bus := notify.NewBus(1024, nop)
	orch := jobs.New(jobs.Deps{
		Store:      st,
		Catalog:    cache,
		Strategies: svc,
		Warmer:     warmer,
		Bus:        bus,
		Logs:       notify.NewLogStorage(0),
	}, jobs.Options{
		FlushInterval:  time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		CleanupDelay:   time.Hour,
		Workers:        1,
		FastBatchDelay: -1,
		SlowBatchDelay: -1,
	}, nop)
	orch.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
		bus.Close()
		warmer.Wait()
		_ = st.Close()
	})

	d := &Deps{
		Cfg:     config.Config{MaxDescriptionLength: 500, MaxContextHeaders: 10},
		Store:   st,
		Jobs:    orch,
		Catalog: cache,
		Warmer:  warmer,
		Matcher: svc,
		Events:  bus,
	}
	return &testEnv{deps: d, store: st, router: testRouter(d)}
}

func testRouter(d *Deps) http.Handler {
	nop := zerolog.Nop()
	r := chi.NewRouter()
	r.Post("/jobs", SubmitJob(d, nop))
	r.Get("/jobs", ListJobs(d, nop))
	r.Post("/jobs/cancel-all", CancelAll(d, nop))
	r.Get("/jobs/{id}", GetJob(d, nop))
	r.Post("/jobs/{id}/cancel", CancelJob(d, nop))
	r.Get("/jobs/{id}/logs", JobLogs(d, nop))
	r.Get("/jobs/{id}/events", JobEvents(d, nop))
	r.Get("/jobs/{id}/results", JobResults(d, nop))
	r.Patch("/jobs/{id}/results/{row}", OverrideResult(d, nop))
	r.Get("/queue", Queue(d, nop))
	r.Post("/catalog/import", ImportCatalog(d, nop))
	r.Get("/catalog/search", SearchCatalog(d, nop))
	r.Post("/catalog/embeddings", WarmEmbeddings(d, nop))
	r.Post("/match", Match(d, nop))
	return r
}

func (e *testEnv) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) submit(t *testing.T, fields map[string]string) string {
	t.Helper()
	body, ct := multipartBody(t, "boq.csv", boqCSV, fields)
	rec := e.do(t, http.MethodPost, "/jobs", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := decode[map[string]any](t, rec)
	id, _ := out["jobId"].(string)
	require.NotEmpty(t, id)
	return id
}

func (e *testEnv) waitDone(t *testing.T, id string) model.JobState {
	t.Helper()
	var st model.JobState
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = e.deps.Jobs.Status(id)
		return ok && st.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func readTable(t *testing.T, csv string) fileio.Table {
	t.Helper()
	tbl, err := fileio.ReadAnyMaps(strings.NewReader(csv), "boq.csv", 1)
	require.NoError(t, err)
	return tbl
}

func TestResolveMapping(t *testing.T) {
	headers := []string{"Item", "Description", "Qty", "Unit", "Rate"}

	m, err := resolveMapping(headers, Mapping{})
	require.NoError(t, err)
	assert.Equal(t, Mapping{Description: "Description", Quantity: "Qty", Unit: "Unit"}, m)

	m, err = resolveMapping([]string{"S.No", "Item", "Quantity"}, Mapping{})
	require.NoError(t, err)
	assert.Equal(t, "Item", m.Description)
	assert.Equal(t, "Quantity", m.Quantity)
	assert.Empty(t, m.Unit)

	m, err = resolveMapping([]string{"Work", "Amount", "Qty"}, Mapping{Description: "work", Quantity: "amount"})
	require.NoError(t, err)
	assert.Equal(t, "Work", m.Description)
	assert.Equal(t, "Amount", m.Quantity)

	_, err = resolveMapping([]string{"Description", "Unit"}, Mapping{})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = resolveMapping([]string{"Code", "Qty"}, Mapping{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestToLineItems_ContextHeaders(t *testing.T) {
	tbl := readTable(t, boqCSV)
	m, err := resolveMapping(tbl.Headers, Mapping{})
	require.NoError(t, err)

	items := toLineItems(tbl, m, 10)
	require.Len(t, items, 5)

	assert.Equal(t, 2, items[0].RowNumber)
	assert.False(t, items[0].Priced())
	assert.Empty(t, items[0].ContextHeaders)

	assert.Equal(t, 3, items[1].RowNumber)
	assert.InDelta(t, 12.5, items[1].Qty(), 1e-9)
	assert.Equal(t, "cum", items[1].Unit)
	assert.Equal(t, []string{"Concrete works"}, items[1].ContextHeaders)

	assert.False(t, items[3].Priced())
	assert.Equal(t, []string{"Concrete works"}, items[3].ContextHeaders)
	assert.Equal(t, []string{"Concrete works", "Masonry"}, items[4].ContextHeaders)

	trimmed := toLineItems(tbl, m, 1)
	assert.Equal(t, []string{"Masonry"}, trimmed[4].ContextHeaders)
}

func TestToLineItems_MajorHeaderResetsBreadcrumb(t *testing.T) {
	tbl := readTable(t, "Description,Qty\n"+
		"SECTION A - SITE WORKS,\n"+
		"Excavation,\n"+
		"Excavate trench,10\n"+
		"SECTION B - MASONRY,\n"+
		"Brickwork,\n"+
		"Brick wall 230mm,5\n")
	m, err := resolveMapping(tbl.Headers, Mapping{})
	require.NoError(t, err)

	items := toLineItems(tbl, m, 10)
	require.Len(t, items, 6)
	assert.Equal(t, []string{"SECTION A - SITE WORKS", "Excavation"}, items[2].ContextHeaders)
	assert.Equal(t, 7, items[5].RowNumber)
	assert.Equal(t, []string{"SECTION B - MASONRY", "Brickwork"}, items[5].ContextHeaders)
}

func TestPushHeader(t *testing.T) {
	cases := []struct {
		name   string
		crumbs []string
		header string
		want   []string
	}{
		{"major resets", []string{"BILL 1", "D20 Excavating", "Generic"}, "BILL 2 - FRAME", []string{"BILL 2 - FRAME"}},
		{"sub replaces sub level", []string{"BILL 1", "D20 Excavating", "Note: rock"}, "E10 Concrete", []string{"BILL 1", "E10 Concrete"}},
		{"minor replaces minor", []string{"BILL 1", "D20 Excavating", "Filling to make up levels"}, "Disposal of surplus", []string{"BILL 1", "D20 Excavating", "Disposal of surplus"}},
		{"generic appends", []string{"Concrete works"}, "Masonry", []string{"Concrete works", "Masonry"}},
		{"empty start", nil, "Masonry", []string{"Masonry"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := append([]string(nil), tc.crumbs...)
			assert.Equal(t, tc.want, pushHeader(tc.crumbs, tc.header))
			assert.Equal(t, before, tc.crumbs, "input must not be modified")
		})
	}
}

func TestToLineItems_SkipsBlankDescriptions(t *testing.T) {
	tbl := readTable(t, "Description,Qty\n,5\nDoor shutter,0\nDoor frame,2\n")
	m, err := resolveMapping(tbl.Headers, Mapping{})
	require.NoError(t, err)

	items := toLineItems(tbl, m, 10)
	require.Len(t, items, 2)
	assert.False(t, items[0].Priced(), "zero quantity is a header")
	assert.Equal(t, []string{"Door shutter"}, items[1].ContextHeaders)
	assert.Equal(t, 4, items[1].RowNumber)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{eris.Wrap(model.ErrValidation, "x"), http.StatusBadRequest},
		{eris.Wrap(fileio.ErrUnsupported, "x"), http.StatusBadRequest},
		{eris.Wrap(store.ErrNotFound, "x"), http.StatusNotFound},
		{eris.Wrap(jobs.ErrJobNotFound, "x"), http.StatusNotFound},
		{eris.Wrap(jobs.ErrTerminal, "x"), http.StatusConflict},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{eris.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestSubmitJob_CompletesAndPersistsResults(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.submit(t, map[string]string{"method": "local", "user_id": "u-1"})

	st := env.waitDone(t, id)
	assert.Equal(t, model.StatusCompleted, st.Status)
	assert.Equal(t, 5, st.TotalRows)
	assert.Equal(t, 3, st.ItemCount)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, "u-1", st.UserID)

	rec := env.do(t, http.MethodGet, "/jobs/"+id+"/results", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Status  model.JobStatus     `json:"status"`
		Summary resultSummary       `json:"summary"`
		Results []model.MatchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, model.StatusCompleted, out.Status)
	require.Len(t, out.Results, 5)
	assert.Equal(t, 5, out.Summary.Rows)
	assert.Equal(t, 3, out.Summary.Priced)
	assert.Equal(t, 3, out.Summary.Matched)

	assert.Equal(t, model.MethodContext, out.Results[0].Method)
	assert.Equal(t, 3, out.Results[1].RowNumber)
	assert.Equal(t, model.MethodLocal, out.Results[1].Method)
	assert.Equal(t, "c1", out.Results[1].MatchedItemID)
	assert.InDelta(t, 12.5*5000, out.Results[1].TotalPrice, 1e-6)

	rec = env.do(t, http.MethodGet, "/jobs/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusCompleted, decode[model.JobState](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/jobs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]model.JobState](t, rec)["jobs"]
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestSubmitJob_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t, true)

	cases := []struct {
		name     string
		filename string
		content  string
		fields   map[string]string
	}{
		{"missing file", "", "", nil},
		{"unknown method", "boq.csv", boqCSV, map[string]string{"method": "magic"}},
		{"unsupported type", "boq.txt", boqCSV, nil},
		{"no quantity column", "boq.csv", "Description,Unit\nDoor,no\n", nil},
		{"no rows", "boq.csv", "Description,Qty\n", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := multipartBody(t, tc.filename, tc.content, tc.fields)
			rec := env.do(t, http.MethodPost, "/jobs", body, ct)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestGetJob_Unknown(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodGet, "/jobs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(t, http.MethodPost, "/jobs/nope/cancel", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	id := env.submit(t, nil)
	env.waitDone(t, id)
	rec = env.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/jobs/cancel-all", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["cancelled"])
}

func TestOverrideResult(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.submit(t, nil)
	env.waitDone(t, id)

	patch := func(row, item string) *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"itemId":"` + item + `"}`)
		return env.do(t, http.MethodPatch, "/jobs/"+id+"/results/"+row, body, "application/json")
	}

	rec := patch("3", "c2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[model.MatchResult](t, rec)
	assert.Equal(t, model.MethodManual, res.Method)
	assert.Equal(t, "c2", res.MatchedItemID)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	assert.InDelta(t, 12.5*8000, res.TotalPrice, 1e-6)

	assert.Equal(t, http.StatusNotFound, patch("3", "missing").Code)
	assert.Equal(t, http.StatusNotFound, patch("99", "c2").Code)
	assert.Equal(t, http.StatusBadRequest, patch("zero", "c2").Code)
	assert.Equal(t, http.StatusBadRequest, patch("3", "").Code)
}

func TestJobLogsAndEvents(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.submit(t, nil)
	env.waitDone(t, id)

	var logs struct {
		Logs     []notify.LogEntry `json:"logs"`
		Progress *notify.Snapshot  `json:"progress"`
	}
	// The final snapshot lands just after the in-memory transition.
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/jobs/"+id+"/logs", nil, "")
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &logs) != nil {
			return false
		}
		return logs.Progress != nil && logs.Progress.Progress == 100
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, logs.Logs)
	assert.Equal(t, string(model.StatusCompleted), logs.Progress.Status)

	rec := env.do(t, http.MethodGet, "/jobs/"+id+"/events", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: status")
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs/nope/logs", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/jobs/nope/events", nil, "").Code)
}

func TestQueue(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodGet, "/queue", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	qs := decode[jobs.QueueStatus](t, rec)
	assert.Equal(t, 0, qs.QueueLength)
}

func TestImportAndSearchCatalog(t *testing.T) {
	env := newTestEnv(t, false)

	sheet := "Code,Description,Unit,Rate,Category\nEW-01,Excavation in ordinary soil,cum,350,Earthwork\nEW-02,Backfilling with excavated earth,cum,120,Earthwork\n"
	body, ct := multipartBody(t, "catalog.csv", sheet, nil)
	rec := env.do(t, http.MethodPost, "/catalog/import", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var imported struct {
		Report catalog.ImportReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &imported))
	assert.Equal(t, 2, imported.Report.Imported)

	rec = env.do(t, http.MethodGet, "/catalog/search?q=excavation", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var found struct {
		Total int                 `json:"total"`
		Hits  []service.SearchHit `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.NotEmpty(t, found.Hits)
	assert.Equal(t, "EW-01", found.Hits[0].Item.Code)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/catalog/search", nil, "").Code)
}

func TestMatch(t *testing.T) {
	env := newTestEnv(t, true)

	post := func(body string) *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/match", bytes.NewBufferString(body), "application/json")
	}

	rec := post(`{"description":"Brick masonry in cement mortar 1:6","unit":"sqm","contextHeaders":["Masonry"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Method  model.Method  `json:"method"`
		Matches []model.Match `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, model.MethodLocal, out.Method)
	require.NotEmpty(t, out.Matches)
	assert.LessOrEqual(t, len(out.Matches), topLocal)
	assert.Equal(t, "c3", out.Matches[0].Item.ID)

	// Semantic methods without a provider degrade to the lexical strategy.
	rec = post(`{"description":"Plain cement concrete","method":"COHERE"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, post(`{"description":"  "}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"description":"x","method":"magic"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
}

func TestMatch_EmptyCatalog(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodPost, "/match", bytes.NewBufferString(`{"description":"door"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestWarmEmbeddings_UnconfiguredProvider(t *testing.T) {
	env := newTestEnv(t, true)
	rec := env.do(t, http.MethodPost, "/catalog/embeddings?provider=cohere", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
