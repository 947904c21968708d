// Package jobs runs batch matching jobs one at a time from a FIFO queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
	"boq-matcher/internal/notify"
	"boq-matcher/internal/store"
)

var (
	ErrJobNotFound = eris.New("job not found")
	// ErrTerminal is returned when cancelling a job that already finished.
	ErrTerminal = store.ErrTerminal
)

// Store is the persistence the orchestrator writes through.
type Store interface {
	CreateJob(ctx context.Context, job model.JobState) error
	UpdateJobStatus(ctx context.Context, job model.JobState) error
	GetJob(ctx context.Context, id string) (model.JobState, error)
	SaveResults(ctx context.Context, results []model.MatchResult) error
}

// CatalogSource returns the current catalog snapshot.
type CatalogSource interface {
	Get(ctx context.Context) (*service.Catalog, error)
}

// Strategies resolves a method to its strategy.
type Strategies interface {
	Strategy(m model.Method) (service.Strategy, error)
}

// Warmer prepares catalog embeddings ahead of a semantic job. Start
// runs in the background at submission; Warm blocks until the catalog
// is embedded for p.
type Warmer interface {
	Start(p model.Provider) bool
	Warm(ctx context.Context, p model.Provider) (int, error)
}

type Options struct {
	BatchSize      int
	FlushThreshold int           // unsaved results that trigger a flush
	FlushInterval  time.Duration // minimum time between two flushes
	PollInterval   time.Duration
	CleanupDelay   time.Duration // in-memory retention after a terminal state
	MaxItems       int
	Workers        int // concurrent item scorers within a batch

	MaxDescriptionLength int
	MaxContextHeaders    int

	// Pause between batches: FastBatchDelay after a batch quicker than
	// FastBatch, SlowBatchDelay otherwise. Negative values disable them.
	FastBatch      time.Duration
	FastBatchDelay time.Duration
	SlowBatchDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 25
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.CleanupDelay <= 0 {
		o.CleanupDelay = 5 * time.Minute
	}
	if o.MaxItems <= 0 {
		o.MaxItems = 10000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxDescriptionLength <= 0 {
		o.MaxDescriptionLength = 500
	}
	if o.MaxContextHeaders <= 0 {
		o.MaxContextHeaders = 10
	}
	if o.FastBatch <= 0 {
		o.FastBatch = 500 * time.Millisecond
	}
	if o.FastBatchDelay < 0 {
		o.FastBatchDelay = 0
	} else if o.FastBatchDelay == 0 {
		o.FastBatchDelay = 200 * time.Millisecond
	}
	if o.SlowBatchDelay < 0 {
		o.SlowBatchDelay = 0
	} else if o.SlowBatchDelay == 0 {
		o.SlowBatchDelay = 100 * time.Millisecond
	}
	return o
}

// Submission is a parsed sheet ready to be matched.
type Submission struct {
	UserID string
	Method model.Method
	Items  []model.LineItem
}

type QueueStatus struct {
	QueueLength  int  `json:"queueLength"`
	IsProcessing bool `json:"isProcessing"`
	ActiveJobs   int  `json:"activeJobs"`
}

type job struct {
	state     model.JobState
	items     []model.LineItem
	cancelled atomic.Bool
}

// Orchestrator owns the queue, the in-memory job table and the single
// worker that drains it.
type Orchestrator struct {
	opts       Options
	store      Store
	catalog    CatalogSource
	strategies Strategies
	warmer     Warmer
	bus        notify.Publisher
	logs       *notify.LogStorage
	log        zerolog.Logger

	flushLimiter *rate.Limiter

	mu         sync.Mutex
	jobs       map[string]*job
	queue      []string
	processing bool
	timers     map[string]*time.Timer

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancelCtx context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

type Deps struct {
	Store      Store
	Catalog    CatalogSource
	Strategies Strategies
	Warmer     Warmer // optional
	Bus        notify.Publisher
	Logs       *notify.LogStorage
}

func New(deps Deps, opts Options, log zerolog.Logger) *Orchestrator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	logs := deps.Logs
	if logs == nil {
		logs = notify.NewLogStorage(0)
	}
	return &Orchestrator{
		opts:         opts,
		store:        deps.Store,
		catalog:      deps.Catalog,
		strategies:   deps.Strategies,
		warmer:       deps.Warmer,
		bus:          deps.Bus,
		logs:         logs,
		log:          log.With().Str("component", "jobs").Logger(),
		flushLimiter: rate.NewLimiter(rate.Every(opts.FlushInterval), 1),
		jobs:         make(map[string]*job),
		timers:       make(map[string]*time.Timer),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancelCtx:    cancel,
	}
}

// Start launches the worker. It is safe to call more than once.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() { go o.loop() })
}

// Stop stops taking jobs, aborts in-flight provider calls and waits for
// the worker until ctx is done.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.cancelCtx()
	})
	finished := false
	o.startOnce.Do(func() { close(o.done) })
	select {
	case <-o.done:
		finished = true
	case <-ctx.Done():
	}

	o.mu.Lock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()

	if !finished {
		return eris.Wrap(ctx.Err(), "jobs: stop")
	}
	return nil
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	t := time.NewTicker(o.opts.PollInterval)
	defer t.Stop()

	o.log.Info().Dur("poll", o.opts.PollInterval).Int("batch_size", o.opts.BatchSize).Msg("job worker started")
	for {
		select {
		case <-o.stop:
			o.log.Info().Msg("job worker stopped")
			return
		case <-t.C:
		case <-o.wake:
		}
		o.drain()
	}
}

func (o *Orchestrator) drain() {
	for {
		select {
		case <-o.stop:
			return
		default:
		}
		j := o.next()
		if j == nil {
			return
		}
		o.run(j)
		o.mu.Lock()
		o.processing = false
		o.mu.Unlock()
	}
}

func (o *Orchestrator) next() *job {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) > 0 {
		id := o.queue[0]
		o.queue = o.queue[1:]
		if j, ok := o.jobs[id]; ok && !j.state.Status.Terminal() {
			o.processing = true
			return j
		}
	}
	return nil
}

// Submit validates and enqueues a job. It only persists the pending state;
// matching happens on the worker.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (model.JobState, error) {
	if len(sub.Items) == 0 {
		return model.JobState{}, eris.Wrap(model.ErrValidation, "jobs: no line items")
	}
	if len(sub.Items) > o.opts.MaxItems {
		return model.JobState{}, eris.Wrapf(model.ErrValidation, "jobs: %d line items exceed the limit of %d", len(sub.Items), o.opts.MaxItems)
	}
	if sub.Method == "" {
		sub.Method = model.MethodLocal
	}
	if _, err := o.strategies.Strategy(sub.Method); err != nil {
		return model.JobState{}, err
	}

	priced := 0
	for _, li := range sub.Items {
		if li.Priced() {
			priced++
		}
	}
	now := time.Now().UTC()
	j := &job{
		items: sub.Items,
		state: model.JobState{
			ID:              uuid.NewString(),
			UserID:          sub.UserID,
			Method:          sub.Method,
			Status:          model.StatusPending,
			ProgressMessage: "Job queued for processing",
			TotalRows:       len(sub.Items),
			ItemCount:       priced,
			StartedAt:       now,
			UpdatedAt:       now,
		},
	}
	if err := o.store.CreateJob(ctx, j.state); err != nil {
		return model.JobState{}, eris.Wrap(err, "jobs: create")
	}

	o.mu.Lock()
	o.jobs[j.state.ID] = j
	o.queue = append(o.queue, j.state.ID)
	queued := len(o.queue)
	snap := j.state
	o.mu.Unlock()

	o.publish(notify.Event{Type: notify.EventQueued, JobID: snap.ID, ItemCount: priced, Status: string(snap.Status)})
	o.snapshot(snap)
	o.emitLog(snap.ID, notify.LevelInfo, fmt.Sprintf("Job queued with %d items to match (%d context headers) using %s matching method",
		priced, len(sub.Items)-priced, sub.Method))
	o.log.Info().Str("job_id", snap.ID).Int("rows", len(sub.Items)).Int("items", priced).
		Str("method", string(sub.Method)).Int("queue", queued).Msg("job queued")

	if p, ok := model.ProviderFor(sub.Method); ok && o.warmer != nil {
		o.warmer.Start(p)
	}

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return snap, nil
}

// Cancel asks a job to stop. A queued job is cancelled at once; a running
// job stops at its next checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	j, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return o.cancelPersisted(ctx, id)
	}
	if j.state.Status.Terminal() {
		o.mu.Unlock()
		return eris.Wrapf(ErrTerminal, "jobs: %s is %s", id, j.state.Status)
	}
	j.cancelled.Store(true)
	queued := o.dequeue(id)
	o.mu.Unlock()

	o.emitLog(id, notify.LevelWarning, "Job cancelled by user")
	if queued {
		o.finish(j, model.StatusCancelled, "Job cancelled by user")
	}
	return nil
}

// cancelPersisted handles jobs this process does not hold, such as
// leftovers from a previous run.
func (o *Orchestrator) cancelPersisted(ctx context.Context, id string) error {
	st, err := o.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return eris.Wrapf(ErrJobNotFound, "jobs: %s", id)
		}
		return eris.Wrap(err, "jobs: cancel")
	}
	if st.Status.Terminal() {
		return eris.Wrapf(ErrTerminal, "jobs: %s is %s", id, st.Status)
	}
	now := time.Now().UTC()
	st.Status = model.StatusCancelled
	st.ProgressMessage = "Job cancelled by user"
	st.UpdatedAt = now
	st.FinishedAt = &now
	return eris.Wrap(o.store.UpdateJobStatus(ctx, st), "jobs: cancel")
}

func (o *Orchestrator) dequeue(id string) bool {
	for i, q := range o.queue {
		if q == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return true
		}
	}
	return false
}

// CancelAll cancels every queued and running job and returns how many
// were asked to stop.
func (o *Orchestrator) CancelAll(ctx context.Context) int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.jobs))
	for id, j := range o.jobs {
		if !j.state.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := o.Cancel(ctx, id); err == nil {
			n++
		}
	}
	return n
}

// Status returns the in-memory state of a job still held by the
// orchestrator.
func (o *Orchestrator) Status(id string) (model.JobState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return model.JobState{}, false
	}
	return cloneState(j.state), true
}

func (o *Orchestrator) QueueStatus() QueueStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	active := 0
	for _, j := range o.jobs {
		if !j.state.Status.Terminal() {
			active++
		}
	}
	return QueueStatus{QueueLength: len(o.queue), IsProcessing: o.processing, ActiveJobs: active}
}

// Logs exposes the per-job history kept until cleanup.
func (o *Orchestrator) Logs() *notify.LogStorage { return o.logs }

func cloneState(s model.JobState) model.JobState {
	s.Errors = append([]string(nil), s.Errors...)
	return s
}
