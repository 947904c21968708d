package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/notify"
)

func TestSubmit_Validation(t *testing.T) {
	opts := testOptions()
	opts.MaxItems = 3
	h := newHarness(t, opts)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, Submission{Method: model.MethodLocal})
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = h.orch.Submit(ctx, Submission{Method: model.MethodLocal, Items: pricedItems(4)})
	assert.True(t, errors.Is(err, model.ErrValidation))

	_, err = h.orch.Submit(ctx, Submission{Method: model.MethodOpenAI, Items: pricedItems(1)})
	assert.True(t, errors.Is(err, model.ErrValidation), "unregistered method")

	st, err := h.orch.Submit(ctx, Submission{Items: pricedItems(1)})
	require.NoError(t, err)
	assert.Equal(t, model.MethodLocal, st.Method)
	assert.Equal(t, model.StatusPending, h.store.job(st.ID).Status)

	h.store.createErr = eris.New("read-only database")
	_, err = h.orch.Submit(ctx, Submission{Items: pricedItems(1)})
	require.Error(t, err)
	assert.Equal(t, 1, h.orch.QueueStatus().QueueLength, "a job that was not persisted is not queued")
}

func TestRun_ContextRowsAndCompletion(t *testing.T) {
	h := newHarness(t, testOptions())
	items := []model.LineItem{
		{RowNumber: 2, Description: "SECTION A - SITE WORKS"},
		{RowNumber: 3, Description: "Earthwork", Quantity: qty(0)},
		{RowNumber: 4, Description: "Excavation in soil", Quantity: qty(10), Unit: "cum"},
		{RowNumber: 5, Description: "Brick work", Quantity: qty(-1)},
		{RowNumber: 6, Description: "Brick work in CM 1:6", Quantity: qty(3), Unit: "cum"},
	}
	st, err := h.orch.Submit(context.Background(), Submission{UserID: "u1", Items: items})
	require.NoError(t, err)
	assert.Equal(t, 2, st.ItemCount)
	h.orch.Start()

	final := h.waitTerminal(t, st.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)

	live, ok := h.orch.Status(st.ID)
	require.True(t, ok)
	assert.Equal(t, 2, live.ProcessedCount)
	assert.Equal(t, 2, live.MatchedCount)
	assert.Zero(t, live.ErrorCount)

	results := h.store.resultsFor(st.ID)
	require.Len(t, results, 5)
	for _, row := range []int{2, 3, 5} {
		r := results[row]
		assert.Equal(t, model.MethodContext, r.Method, "row %d", row)
		assert.Zero(t, r.Confidence)
		assert.Zero(t, r.MatchedRate)
		assert.Empty(t, r.MatchedItemID)
	}
	assert.Equal(t, 100.0, results[4].TotalPrice)
	assert.Equal(t, model.MethodLocal, results[4].Method)
	assert.Equal(t, 2, h.local.matchCount(), "context rows never reach a strategy")
}

func TestRun_ProgressFormula(t *testing.T) {
	h := newHarness(t, testOptions())
	events, unsub := h.bus.Subscribe()
	defer unsub()

	items := []model.LineItem{
		{RowNumber: 1, Description: "Header"},
		{RowNumber: 2, Description: "a", Quantity: qty(1)},
		{RowNumber: 3, Description: "b", Quantity: qty(1)},
		{RowNumber: 4, Description: "c", Quantity: qty(1)},
		{RowNumber: 5, Description: "d", Quantity: qty(1)},
	}
	st, err := h.orch.Submit(context.Background(), Submission{Items: items})
	require.NoError(t, err)
	h.orch.Start()
	h.waitTerminal(t, st.ID)

	var progress []int
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == notify.EventProgress {
					progress = append(progress, ev.Progress)
				}
				if ev.Type == notify.EventCompleted {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)

	assert.Equal(t, []int{1, 5, 10, 10, 30, 50, 70, 90, 95}, progress)
}

func TestRun_ItemErrorsDoNotStopTheJob(t *testing.T) {
	h := newHarness(t, testOptions())
	items := []model.LineItem{
		{RowNumber: 2, Description: "Excavation", Quantity: qty(1)},
		{RowNumber: 3, Description: "boom", Quantity: qty(1)},
		{RowNumber: 4, Description: "panic", Quantity: qty(1)},
		{RowNumber: 5, Description: "Brick", Quantity: qty(1)},
	}
	st, err := h.orch.Submit(context.Background(), Submission{Items: items})
	require.NoError(t, err)
	h.orch.Start()

	final := h.waitTerminal(t, st.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)

	live, _ := h.orch.Status(st.ID)
	assert.Equal(t, 2, live.ErrorCount)
	assert.Equal(t, 2, live.MatchedCount)
	assert.Len(t, live.Errors, 2)

	results := h.store.resultsFor(st.ID)
	require.Len(t, results, 4)
	assert.Zero(t, results[3].Confidence)
	assert.Contains(t, results[3].Notes, "Error: ")
	assert.Contains(t, results[4].Notes, "panic")
}

func TestRun_FailedJobDoesNotStopTheNext(t *testing.T) {
	h := newHarness(t, testOptions())
	h.catalog.errs = []error{eris.New("catalog unavailable")}
	ctx := context.Background()

	first, err := h.orch.Submit(ctx, Submission{Items: pricedItems(2)})
	require.NoError(t, err)
	second, err := h.orch.Submit(ctx, Submission{Items: pricedItems(2)})
	require.NoError(t, err)
	h.orch.Start()

	f := h.waitTerminal(t, first.ID)
	assert.Equal(t, model.StatusFailed, f.Status)
	assert.Contains(t, f.Errors, "catalog unavailable")

	s := h.waitTerminal(t, second.ID)
	assert.Equal(t, model.StatusCompleted, s.Status)
}

func TestRun_StateNeverRegresses(t *testing.T) {
	h := newHarness(t, testOptions())
	st, err := h.orch.Submit(context.Background(), Submission{Items: pricedItems(30)})
	require.NoError(t, err)
	h.orch.Start()
	h.waitTerminal(t, st.ID)

	err = h.orch.Cancel(context.Background(), st.ID)
	assert.True(t, errors.Is(err, ErrTerminal))

	// give any stray writer a chance to show up
	time.Sleep(20 * time.Millisecond)
	writes := h.store.statusWrites(st.ID)
	assert.Equal(t, model.StatusCompleted, writes[len(writes)-1])
	for i := 1; i < len(writes); i++ {
		assert.True(t, writes[i] == writes[i-1] || model.CanTransition(writes[i-1], writes[i]),
			"%s -> %s", writes[i-1], writes[i])
	}
	assert.Zero(t, h.store.violationCount())
}

func TestCancel_MidRun(t *testing.T) {
	opts := testOptions()
	opts.FlushThreshold = 10
	h := newHarness(t, opts)

	var id string
	h.store.onSave = func(call int) {
		if call == 1 {
			assert.NoError(t, h.orch.Cancel(context.Background(), id))
		}
	}
	st, err := h.orch.Submit(context.Background(), Submission{Items: pricedItems(100)})
	require.NoError(t, err)
	id = st.ID
	h.orch.Start()

	final := h.waitTerminal(t, id)
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.LessOrEqual(t, len(h.store.resultsFor(id)), 10)

	time.Sleep(20 * time.Millisecond)
	h.store.mu.Lock()
	saves := len(h.store.saveTimes)
	h.store.mu.Unlock()
	assert.Equal(t, 1, saves, "no flush after the cancellation checkpoint")
	assert.Zero(t, h.store.violationCount())
}

func TestCancel_QueuedJob(t *testing.T) {
	h := newHarness(t, testOptions())
	st, err := h.orch.Submit(context.Background(), Submission{Items: pricedItems(3)})
	require.NoError(t, err)
	assert.Equal(t, 1, h.orch.QueueStatus().QueueLength)

	require.NoError(t, h.orch.Cancel(context.Background(), st.ID))
	assert.Equal(t, model.StatusCancelled, h.store.job(st.ID).Status)
	assert.Zero(t, h.orch.QueueStatus().QueueLength)

	h.orch.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.local.matchCount())
	assert.Zero(t, h.store.violationCount())
}

func TestCancel_UnknownAndPersisted(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	err := h.orch.Cancel(ctx, "missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))

	orphan := model.JobState{ID: "orphan", Status: model.StatusMatching}
	require.NoError(t, h.store.CreateJob(ctx, orphan))
	require.NoError(t, h.orch.Cancel(ctx, "orphan"))
	assert.Equal(t, model.StatusCancelled, h.store.job("orphan").Status)

	err = h.orch.Cancel(ctx, "orphan")
	assert.True(t, errors.Is(err, ErrTerminal))
}

func TestCancelAll(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.orch.Submit(ctx, Submission{Items: pricedItems(2)})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, h.orch.CancelAll(ctx))
	qs := h.orch.QueueStatus()
	assert.Zero(t, qs.QueueLength)
	assert.Zero(t, qs.ActiveJobs)
	assert.Zero(t, h.orch.CancelAll(ctx))
}

func TestFlush_RateLimited(t *testing.T) {
	opts := testOptions()
	opts.FlushThreshold = 10
	opts.FlushInterval = 100 * time.Millisecond
	h := newHarness(t, opts)

	st, err := h.orch.Submit(context.Background(), Submission{Items: pricedItems(20)})
	require.NoError(t, err)
	h.orch.Start()
	h.waitTerminal(t, st.ID)

	h.store.mu.Lock()
	times := append([]time.Time(nil), h.store.saveTimes...)
	h.store.mu.Unlock()
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), opts.FlushInterval-time.Millisecond)
	assert.Len(t, h.store.resultsFor(st.ID), 20, "no result is dropped")
}

func TestFlush_FailedResultsAreRetried(t *testing.T) {
	opts := testOptions()
	opts.FlushThreshold = 5
	h := newHarness(t, opts)
	h.store.saveErrs = []error{eris.New("disk full")}

	st, err := h.orch.Submit(context.Background(), Submission{Items: pricedItems(20)})
	require.NoError(t, err)
	h.orch.Start()

	final := h.waitTerminal(t, st.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Len(t, h.store.resultsFor(st.ID), 20)

	live, _ := h.orch.Status(st.ID)
	require.NotEmpty(t, live.Errors)
	assert.Contains(t, live.Errors[0], "disk full")
}

func TestRun_SemanticUsesBulkEmbeddings(t *testing.T) {
	sem := bulkStub{&stubStrategy{method: model.MethodCohere, confidence: 0.95}}
	h := newHarness(t, testOptions(), sem)

	items := append([]model.LineItem{{RowNumber: 1, Description: "Header"}}, pricedItems(14)...)
	st, err := h.orch.Submit(context.Background(), Submission{Method: model.MethodCohere, Items: items})
	require.NoError(t, err)
	h.orch.Start()
	h.waitTerminal(t, st.ID)

	sem.mu.Lock()
	defer sem.mu.Unlock()
	require.Len(t, sem.embedded, 2, "one bulk call per batch")
	assert.Len(t, sem.embedded[0], 9, "context rows are not embedded")
	assert.Len(t, sem.embedded[1], 5)
	assert.Equal(t, 14, sem.withVec)

	h.warmer.mu.Lock()
	assert.Equal(t, []model.Provider{model.ProviderCohere}, h.warmer.started)
	h.warmer.mu.Unlock()
}

func TestRun_SemanticWaitsForCatalogEmbeddings(t *testing.T) {
	sem := bulkStub{&stubStrategy{method: model.MethodCohere, confidence: 0.95}}
	h := newHarness(t, testOptions(), sem)
	h.warmer.entered = make(chan struct{}, 1)
	h.warmer.gate = make(chan struct{})

	st, err := h.orch.Submit(context.Background(), Submission{Method: model.MethodCohere, Items: pricedItems(5)})
	require.NoError(t, err)
	h.orch.Start()

	select {
	case <-h.warmer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("job never asked for catalog embeddings")
	}
	time.Sleep(20 * time.Millisecond)

	live, ok := h.orch.Status(st.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusParsing, live.Status)
	assert.Equal(t, 7, live.Progress)
	sem.mu.Lock()
	assert.Empty(t, sem.embedded, "no batch is ranked before the catalog is embedded")
	sem.mu.Unlock()

	close(h.warmer.gate)
	final := h.waitTerminal(t, st.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)

	h.warmer.mu.Lock()
	assert.Equal(t, []model.Provider{model.ProviderCohere}, h.warmer.warmed)
	h.warmer.mu.Unlock()
	sem.mu.Lock()
	assert.Equal(t, 5, sem.withVec)
	sem.mu.Unlock()

	var embedded bool
	for _, l := range h.orch.Logs().Logs(st.ID) {
		embedded = embedded || strings.HasPrefix(l.Message, "Embedded 3 catalog items")
	}
	assert.True(t, embedded)
}

func TestRun_WarmFailureDoesNotFailJob(t *testing.T) {
	sem := bulkStub{&stubStrategy{method: model.MethodOpenAI, confidence: 0.9}}
	h := newHarness(t, testOptions(), sem)
	h.warmer.err = eris.New("quota exceeded")

	st, err := h.orch.Submit(context.Background(), Submission{Method: model.MethodOpenAI, Items: pricedItems(3)})
	require.NoError(t, err)
	h.orch.Start()

	final := h.waitTerminal(t, st.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Len(t, h.store.resultsFor(st.ID), 3)
}

func TestRun_BulkFailureFallsBackPerItem(t *testing.T) {
	sem := bulkStub{&stubStrategy{method: model.MethodOpenAI, confidence: 0.7, embedErr: eris.New("429")}}
	h := newHarness(t, testOptions(), sem)

	st, err := h.orch.Submit(context.Background(), Submission{Method: model.MethodOpenAI, Items: pricedItems(5)})
	require.NoError(t, err)
	h.orch.Start()
	final := h.waitTerminal(t, st.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)

	sem.mu.Lock()
	defer sem.mu.Unlock()
	assert.Zero(t, sem.withVec)
	assert.Equal(t, 5, sem.matched)
}

func TestCleanup_RemovesJobFromMemory(t *testing.T) {
	opts := testOptions()
	opts.CleanupDelay = 200 * time.Millisecond
	h := newHarness(t, opts)

	st, err := h.orch.Submit(context.Background(), Submission{Items: pricedItems(1)})
	require.NoError(t, err)
	h.orch.Start()
	h.waitTerminal(t, st.ID)

	assert.NotEmpty(t, h.orch.Logs().Logs(st.ID))
	require.Eventually(t, func() bool {
		_, ok := h.orch.Status(st.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.orch.Logs().Logs(st.ID))
	_, ok := h.orch.Logs().Progress(st.ID)
	assert.False(t, ok)
	assert.Equal(t, model.StatusCompleted, h.store.job(st.ID).Status, "the store keeps the job")
}

func TestStop_WithoutStart(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, h.orch.Stop(ctx))
	assert.NoError(t, h.orch.Stop(ctx))
}
