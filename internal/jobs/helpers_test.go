package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
	"boq-matcher/internal/notify"
	"boq-matcher/internal/store"
)

// fakeStore records every write and refuses status writes to finished
// jobs, counting them as violations.
type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]model.JobState
	writes     map[string][]model.JobStatus
	results    map[string]map[int]model.MatchResult
	saveTimes  []time.Time
	saveSizes  []int
	violations int
	saveErrs   []error
	onSave     func(call int)
	createErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[string]model.JobState),
		writes:  make(map[string][]model.JobStatus),
		results: make(map[string]map[int]model.MatchResult),
	}
}

func (f *fakeStore) CreateJob(_ context.Context, job model.JobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.jobs[job.ID] = job
	f.writes[job.ID] = append(f.writes[job.ID], job.Status)
	return nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, job model.JobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.jobs[job.ID]
	if !ok {
		return store.ErrNotFound
	}
	if prev.Status.Terminal() {
		f.violations++
		return store.ErrTerminal
	}
	f.jobs[job.ID] = job
	f.writes[job.ID] = append(f.writes[job.ID], job.Status)
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (model.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return model.JobState{}, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) SaveResults(_ context.Context, results []model.MatchResult) error {
	f.mu.Lock()
	call := len(f.saveTimes) + 1
	f.saveTimes = append(f.saveTimes, time.Now())
	var err error
	if len(f.saveErrs) > 0 {
		err, f.saveErrs = f.saveErrs[0], f.saveErrs[1:]
	}
	if err == nil {
		f.saveSizes = append(f.saveSizes, len(results))
		for _, r := range results {
			if f.results[r.JobID] == nil {
				f.results[r.JobID] = make(map[int]model.MatchResult)
			}
			f.results[r.JobID][r.RowNumber] = r
		}
	}
	hook := f.onSave
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return err
}

func (f *fakeStore) job(id string) model.JobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeStore) resultsFor(id string) map[int]model.MatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]model.MatchResult, len(f.results[id]))
	for k, v := range f.results[id] {
		out[k] = v
	}
	return out
}

func (f *fakeStore) violationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations
}

func (f *fakeStore) statusWrites(id string) []model.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.JobStatus(nil), f.writes[id]...)
}

type fakeCatalog struct {
	mu   sync.Mutex
	cat  *service.Catalog
	errs []error
}

func (f *fakeCatalog) Get(_ context.Context) (*service.Catalog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.cat, nil
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{cat: service.NewCatalog([]model.CatalogItem{
		{ID: "exc", Description: "Excavation", Unit: "CUM", Rate: 10},
		{ID: "brk", Description: "Brick work", Unit: "CUM", Rate: 80},
	})}
}

// stubStrategy answers every query with the first catalog item. A
// description containing "boom" fails and one containing "panic" panics.
type stubStrategy struct {
	method     model.Method
	confidence float64
	delay      time.Duration

	mu       sync.Mutex
	matched  int
	embedded [][]string
	withVec  int
	embedErr error
}

func (s *stubStrategy) Name() model.Method { return s.method }

func (s *stubStrategy) Match(_ context.Context, q service.Query, cat *service.Catalog) (model.Match, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.matched++
	s.mu.Unlock()
	if strings.Contains(q.Description, "panic") {
		panic("scorer exploded")
	}
	if strings.Contains(q.Description, "boom") {
		return model.Match{}, eris.New("scorer failed")
	}
	return model.Match{Item: cat.Items()[0], Confidence: s.confidence, Method: s.method}, nil
}

func (s *stubStrategy) matchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matched
}

// bulkStub adds batch embedding to stubStrategy.
type bulkStub struct {
	*stubStrategy
}

func (b bulkStub) EmbedBatch(_ context.Context, qs []service.Query) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	texts := make([]string, len(qs))
	for i, q := range qs {
		texts[i] = q.Description
	}
	b.embedded = append(b.embedded, texts)
	if b.embedErr != nil {
		return nil, b.embedErr
	}
	out := make([][]float32, len(qs))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (b bulkStub) MatchWithVector(ctx context.Context, q service.Query, _ []float32, cat *service.Catalog) (model.Match, error) {
	b.mu.Lock()
	b.withVec++
	b.mu.Unlock()
	return b.Match(ctx, q, cat)
}

type fakeStrategies map[model.Method]service.Strategy

func (f fakeStrategies) Strategy(m model.Method) (service.Strategy, error) {
	if s, ok := f[m]; ok {
		return s, nil
	}
	return nil, eris.Wrapf(model.ErrValidation, "no strategy for %q", m)
}

// fakeWarmer records warm-ups. When gate is set, Warm signals entered and
// blocks until the gate is closed.
type fakeWarmer struct {
	mu      sync.Mutex
	started []model.Provider
	warmed  []model.Provider
	err     error
	entered chan struct{}
	gate    chan struct{}
}

func (w *fakeWarmer) Start(p model.Provider) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = append(w.started, p)
	return true
}

func (w *fakeWarmer) Warm(ctx context.Context, p model.Provider) (int, error) {
	if w.gate != nil {
		w.entered <- struct{}{}
		select {
		case <-w.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warmed = append(w.warmed, p)
	return 3, w.err
}

type harness struct {
	orch    *Orchestrator
	store   *fakeStore
	catalog *fakeCatalog
	local   *stubStrategy
	bus     *notify.Bus
	warmer  *fakeWarmer
}

func testOptions() Options {
	return Options{
		BatchSize:      10,
		FlushThreshold: 25,
		FlushInterval:  time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		CleanupDelay:   time.Hour,
		Workers:        1,
		FastBatchDelay: -1,
		SlowBatchDelay: -1,
	}
}

func newHarness(t *testing.T, opts Options, extra ...service.Strategy) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		catalog: newFakeCatalog(),
		local:   &stubStrategy{method: model.MethodLocal, confidence: 0.8},
		bus:     notify.NewBus(4096, zerolog.Nop()),
		warmer:  &fakeWarmer{},
	}
	strategies := fakeStrategies{model.MethodLocal: h.local}
	for _, s := range extra {
		strategies[s.Name()] = s
	}
	h.orch = New(Deps{
		Store:      h.store,
		Catalog:    h.catalog,
		Strategies: strategies,
		Warmer:     h.warmer,
		Bus:        h.bus,
		Logs:       notify.NewLogStorage(0),
	}, opts, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Stop(ctx)
	})
	return h
}

// waitTerminal waits until the store holds a terminal status for id.
func (h *harness) waitTerminal(t *testing.T, id string) model.JobState {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.store.job(id).Status.Terminal()
	}, 5*time.Second, 2*time.Millisecond)
	return h.store.job(id)
}

func qty(v float64) *float64 { return &v }

func pricedItems(n int) []model.LineItem {
	items := make([]model.LineItem, n)
	for i := range items {
		items[i] = model.LineItem{RowNumber: i + 2, Description: "Excavation in soil", Quantity: qty(2), Unit: "cum"}
	}
	return items
}
