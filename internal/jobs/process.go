package jobs

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
	"boq-matcher/internal/notify"
)

const maxJobErrors = 1000

// runState is owned by the worker for the lifetime of one job.
type runState struct {
	unsaved     []model.MatchResult
	saved       int
	contextRows int
	failures    int
}

func (o *Orchestrator) run(j *job) {
	id := j.state.ID
	log := o.log.With().Str("job_id", id).Str("method", string(j.state.Method)).Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("job panicked")
			o.fail(j, eris.Errorf("jobs: panic: %v", r))
		}
		log.Info().Dur("took", time.Since(start)).Msg("job finished")
	}()

	log.Info().Int("rows", len(j.items)).Msg("job started")
	o.publish(notify.Event{Type: notify.EventStarted, JobID: id})
	o.emitLog(id, notify.LevelInfo, "Processing started")

	if err := o.process(log.WithContext(o.ctx), j, log); err != nil {
		log.Error().Err(err).Msg("job failed")
		o.fail(j, err)
	}
}

func (o *Orchestrator) process(ctx context.Context, j *job, log zerolog.Logger) error {
	id := j.state.ID
	if j.cancelled.Load() {
		o.finish(j, model.StatusCancelled, "Job cancelled by user")
		return nil
	}

	o.advance(ctx, j, model.StatusParsing, 1, "Loading catalog")
	cat, err := o.catalog.Get(ctx)
	if err != nil {
		return err
	}
	o.advance(ctx, j, model.StatusParsing, 5, fmt.Sprintf("Loaded %d catalog items", cat.Len()))
	o.emitLog(id, notify.LevelInfo, fmt.Sprintf("Loaded %d catalog items", cat.Len()))

	strat, err := o.strategies.Strategy(j.state.Method)
	if err != nil {
		return err
	}
	var bulk service.Bulk
	if j.state.Method.Semantic() {
		if b, ok := strat.(service.Bulk); ok {
			bulk = b
		}
		o.advance(ctx, j, model.StatusParsing, 7, fmt.Sprintf("Preparing %s matching", j.state.Method))
		if err := o.warm(ctx, j, log); err != nil {
			return err
		}
	}
	o.advance(ctx, j, model.StatusMatching, 10, fmt.Sprintf("Matching %d items", j.state.ItemCount))

	var (
		rs      runState
		size    = o.opts.BatchSize
		total   = len(j.items)
		batches = (total + size - 1) / size
	)
	for b := 0; b < batches; b++ {
		if j.cancelled.Load() {
			o.finish(j, model.StatusCancelled, "Job cancelled by user")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "jobs: interrupted")
		}

		lo, hi := b*size, min((b+1)*size, total)
		batch := j.items[lo:hi]
		if bulk != nil {
			o.emitLog(id, notify.LevelInfo, fmt.Sprintf("Starting AI batch %d/%d with %d items", b+1, batches, len(batch)))
		} else {
			o.emitLog(id, notify.LevelInfo, fmt.Sprintf("Processing items %d-%d", lo+1, hi))
		}

		batchStart := time.Now()
		results, complete := o.matchBatch(ctx, j, &rs, batch, strat, bulk, cat)
		if !complete {
			o.emitLog(id, notify.LevelWarning, "Job cancelled, stopping batch processing")
			o.finish(j, model.StatusCancelled, "Job cancelled by user")
			return nil
		}
		took := time.Since(batchStart)

		matched, failed := 0, 0
		for _, r := range results {
			switch {
			case r.Method == model.MethodContext:
			case r.Confidence > 0:
				matched++
			default:
				failed++
			}
		}
		rs.failures += failed
		o.emitLog(id, notify.LevelSuccess, fmt.Sprintf("Batch %d/%d completed in %.1fs - %d matches, %d failures",
			b+1, batches, took.Seconds(), matched, failed))

		rs.unsaved = append(rs.unsaved, results...)
		last := hi == total
		if len(rs.unsaved) >= o.opts.FlushThreshold || last {
			o.flush(ctx, j, &rs)
		}
		if !last {
			o.pause(ctx, took)
		}
	}

	o.advance(ctx, j, model.StatusMatching, 95, "Finalizing results...")
	if len(rs.unsaved) > 0 {
		o.flush(ctx, j, &rs)
	}

	snap, _ := o.Status(id)
	priced := snap.ItemCount
	matchRate := 0
	if priced > 0 {
		matchRate = int(math.Round(100 * float64(snap.MatchedCount) / float64(priced)))
	}
	o.emitLog(id, notify.LevelInfo, fmt.Sprintf("Processing complete. Total: %d items (%d with quantities, %d context headers)",
		total, priced, rs.contextRows))
	o.emitLog(id, notify.LevelInfo, fmt.Sprintf("Matching results: %d successful matches, %d failures", snap.MatchedCount, rs.failures))
	o.emitLog(id, notify.LevelInfo, fmt.Sprintf("Match rate: %d%% (%d/%d items with quantities)", matchRate, snap.MatchedCount, priced))
	log.Info().Int("matched", snap.MatchedCount).Int("items", priced).Int("saved", rs.saved).Msg("matching complete")

	o.finish(j, model.StatusCompleted, fmt.Sprintf("Completed: %d matches out of %d items (%d%% success rate)", snap.MatchedCount, priced, matchRate))
	return nil
}

// matchBatch scores one batch. It stops launching items once the job is
// cancelled and then reports the batch as incomplete.
func (o *Orchestrator) matchBatch(ctx context.Context, j *job, rs *runState, batch []model.LineItem,
	strat service.Strategy, bulk service.Bulk, cat *service.Catalog) ([]model.MatchResult, bool) {
	vecs := o.batchVectors(ctx, j, batch, bulk)
	results := make([]model.MatchResult, len(batch))

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	complete := true
	for i, li := range batch {
		if j.cancelled.Load() {
			complete = false
			break
		}
		if !li.Priced() {
			results[i] = model.ContextResult(j.state.ID, li)
			rs.contextRows++
			o.itemDone(j, li, results[i], nil)
			continue
		}
		g.Go(func() error {
			res, err := o.matchItem(ctx, j, li, strat, bulk, vecs[i], cat)
			results[i] = res
			o.itemDone(j, li, res, err)
			return nil
		})
	}
	_ = g.Wait()
	if !complete {
		return nil, false
	}
	return results, true
}

// batchVectors embeds the batch's priced queries in one call. A nil entry
// means the item is matched on the per-item path.
func (o *Orchestrator) batchVectors(ctx context.Context, j *job, batch []model.LineItem, bulk service.Bulk) [][]float32 {
	vecs := make([][]float32, len(batch))
	if bulk == nil {
		return vecs
	}
	var (
		qs  []service.Query
		pos []int
	)
	for i, li := range batch {
		if li.Priced() {
			qs = append(qs, service.NewQuery(li, o.opts.MaxDescriptionLength, o.opts.MaxContextHeaders))
			pos = append(pos, i)
		}
	}
	if len(qs) == 0 {
		return vecs
	}

	id := j.state.ID
	o.emitLog(id, notify.LevelInfo, fmt.Sprintf("Generating %s embeddings for %d items", j.state.Method, len(qs)))
	got, err := bulk.EmbedBatch(ctx, qs)
	if err == nil && len(got) != len(qs) {
		err = eris.Errorf("got %d vectors for %d queries", len(got), len(qs))
	}
	if err != nil {
		o.emitLog(id, notify.LevelWarning, fmt.Sprintf("Failed to generate batch embeddings: %v. Falling back to individual processing.", err))
		return vecs
	}
	for k, i := range pos {
		vecs[i] = got[k]
	}
	o.emitLog(id, notify.LevelSuccess, fmt.Sprintf("Generated embeddings for %d items", len(got)))
	return vecs
}

func (o *Orchestrator) matchItem(ctx context.Context, j *job, li model.LineItem, strat service.Strategy,
	bulk service.Bulk, vec []float32, cat *service.Catalog) (res model.MatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v", r)
			res = model.FailedResult(j.state.ID, li, j.state.Method, err)
		}
	}()

	q := service.NewQuery(li, o.opts.MaxDescriptionLength, o.opts.MaxContextHeaders)
	var m model.Match
	if bulk != nil && vec != nil {
		m, err = bulk.MatchWithVector(ctx, q, vec, cat)
	} else {
		m, err = strat.Match(ctx, q, cat)
	}
	if err != nil {
		return model.FailedResult(j.state.ID, li, j.state.Method, err), err
	}
	return model.NewResult(j.state.ID, li, m), nil
}

// itemDone updates the counters and reports progress after every row.
func (o *Orchestrator) itemDone(j *job, li model.LineItem, res model.MatchResult, err error) {
	o.mu.Lock()
	s := &j.state
	if li.Priced() {
		s.ProcessedCount++
		if res.Method != model.MethodContext && res.Confidence > 0 {
			s.MatchedCount++
		}
		if s.ItemCount > 0 {
			s.Progress = 10 + int(math.Round(80*float64(s.ProcessedCount)/float64(s.ItemCount)))
		}
		s.ProgressMessage = fmt.Sprintf("Processed %d/%d items (%d matched)", s.ProcessedCount, s.ItemCount, s.MatchedCount)
	}
	if err != nil {
		s.ErrorCount++
		if len(s.Errors) < maxJobErrors {
			s.Errors = append(s.Errors, fmt.Sprintf("Item %d: %v", li.RowNumber, err))
		}
	}
	s.UpdatedAt = time.Now().UTC()
	snap := cloneState(*s)
	o.mu.Unlock()

	id := snap.ID
	switch {
	case err != nil:
		o.emitLog(id, notify.LevelError, fmt.Sprintf("Failed to match item %d: %v", li.RowNumber, err))
	case !li.Priced():
	case res.Confidence >= 0.9:
		o.emitLog(id, notify.LevelSuccess, fmt.Sprintf("High confidence match (%d%%) for Row %d", pct(res.Confidence), li.RowNumber))
	case res.Confidence < 0.5:
		o.emitLog(id, notify.LevelWarning, fmt.Sprintf("Low confidence match (%d%%) for Row %d: %q", pct(res.Confidence), li.RowNumber, clip(li.Description, 50)))
	}
	if li.Qty() > 100 {
		unit := li.Unit
		if unit == "" {
			unit = "units"
		}
		o.emitLog(id, notify.LevelInfo, fmt.Sprintf("High-quantity item (Row %d): %g %s - %s", li.RowNumber, li.Qty(), unit, clip(li.Description, 50)))
	}
	o.progress(snap)
}

// flush persists the unsaved results. Flushes across all jobs are spaced
// by FlushInterval; a flush that comes too soon waits. Failed results stay
// unsaved and are retried by the next flush.
func (o *Orchestrator) flush(ctx context.Context, j *job, rs *runState) {
	pctx := context.WithoutCancel(ctx)
	if err := o.flushLimiter.Wait(pctx); err != nil {
		o.persistErr(j, "flush", err)
		return
	}

	snap, _ := o.Status(j.state.ID)
	n := len(rs.unsaved)
	o.emitLog(snap.ID, notify.LevelInfo, fmt.Sprintf("Saving %d results to database (items %d-%d)", n, rs.saved+1, rs.saved+n))
	if err := o.store.UpdateJobStatus(pctx, snap); err != nil {
		o.persistErr(j, "status update", err)
	}
	if err := o.store.SaveResults(pctx, rs.unsaved); err != nil {
		o.persistErr(j, "save results", err)
		return
	}
	rs.saved += n
	rs.unsaved = nil
}

func (o *Orchestrator) persistErr(j *job, op string, err error) {
	o.mu.Lock()
	if len(j.state.Errors) < maxJobErrors {
		j.state.Errors = append(j.state.Errors, fmt.Sprintf("Persistence error (%s): %v", op, err))
	}
	o.mu.Unlock()
	o.log.Warn().Str("job_id", j.state.ID).Str("op", op).Err(err).Msg("persistence failed")
	o.emitLog(j.state.ID, notify.LevelError, fmt.Sprintf("Failed to %s: %v", op, err))
}

func (o *Orchestrator) pause(ctx context.Context, took time.Duration) {
	d := o.opts.SlowBatchDelay
	if took < o.opts.FastBatch {
		d = o.opts.FastBatchDelay
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// advance moves a non-terminal job forward. Status changes are persisted;
// progress within a status only reaches the bus until the next flush.
func (o *Orchestrator) advance(ctx context.Context, j *job, status model.JobStatus, progress int, msg string) {
	o.mu.Lock()
	if !model.CanTransition(j.state.Status, status) {
		o.mu.Unlock()
		return
	}
	changed := j.state.Status != status
	j.state.Status = status
	j.state.Progress = progress
	j.state.ProgressMessage = msg
	j.state.UpdatedAt = time.Now().UTC()
	snap := cloneState(j.state)
	o.mu.Unlock()

	if changed {
		if err := o.store.UpdateJobStatus(context.WithoutCancel(ctx), snap); err != nil {
			o.persistErr(j, "status update", err)
		}
	}
	o.progress(snap)
}

// finish writes the terminal status once. Later calls are no-ops.
func (o *Orchestrator) finish(j *job, status model.JobStatus, msg string) {
	now := time.Now().UTC()
	o.mu.Lock()
	if !model.CanTransition(j.state.Status, status) {
		o.mu.Unlock()
		return
	}
	j.state.Status = status
	j.state.ProgressMessage = msg
	j.state.UpdatedAt = now
	j.state.FinishedAt = &now
	if status == model.StatusCompleted {
		j.state.Progress = 100
	}
	snap := cloneState(j.state)
	id := snap.ID
	o.timers[id] = time.AfterFunc(o.opts.CleanupDelay, func() { o.cleanup(id) })
	o.mu.Unlock()

	if err := o.store.UpdateJobStatus(context.Background(), snap); err != nil {
		o.log.Warn().Str("job_id", id).Err(err).Msg("terminal status write failed")
	}

	ev := notify.Event{JobID: id, Status: string(status), Message: msg, Progress: snap.Progress,
		MatchedCount: snap.MatchedCount, ItemCount: snap.ItemCount, ProcessedCount: snap.ProcessedCount}
	switch status {
	case model.StatusCompleted:
		ev.Type = notify.EventCompleted
		o.emitLog(id, notify.LevelSuccess, "Job completed successfully!")
	case model.StatusCancelled:
		ev.Type = notify.EventCancelled
	default:
		ev.Type = notify.EventFailed
	}
	o.snapshot(snap)
	o.publish(ev)
}

func (o *Orchestrator) fail(j *job, err error) {
	msg := err.Error()
	o.mu.Lock()
	if !j.state.Status.Terminal() && len(j.state.Errors) < maxJobErrors {
		j.state.Errors = append(j.state.Errors, msg)
	}
	o.mu.Unlock()
	o.emitLog(j.state.ID, notify.LevelError, "Job failed: "+msg)
	o.finish(j, model.StatusFailed, msg)
}

func (o *Orchestrator) cleanup(id string) {
	o.mu.Lock()
	delete(o.jobs, id)
	delete(o.timers, id)
	o.mu.Unlock()
	o.logs.Clear(id)
	o.log.Debug().Str("job_id", id).Msg("job removed from memory")
}

func (o *Orchestrator) progress(s model.JobState) {
	o.snapshot(s)
	o.publish(notify.Event{
		Type:           notify.EventProgress,
		JobID:          s.ID,
		Status:         string(s.Status),
		Progress:       s.Progress,
		Message:        s.ProgressMessage,
		ProcessedCount: s.ProcessedCount,
		MatchedCount:   s.MatchedCount,
		ItemCount:      s.ItemCount,
	})
}

func (o *Orchestrator) snapshot(s model.JobState) {
	o.logs.SetProgress(notify.Snapshot{
		JobID:           s.ID,
		Status:          string(s.Status),
		Progress:        s.Progress,
		ProgressMessage: s.ProgressMessage,
		MatchedCount:    s.MatchedCount,
		ItemCount:       s.ItemCount,
		StartedAt:       s.StartedAt,
	})
}

func (o *Orchestrator) emitLog(id string, level notify.Level, msg string) {
	o.logs.Add(id, level, msg)
	o.publish(notify.Event{Type: notify.EventLog, JobID: id, Level: level, Message: msg})
}

func (o *Orchestrator) publish(ev notify.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

func pct(c float64) int { return int(math.Round(c * 100)) }

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// warm embeds catalog documents missing a vector before the first batch
// is ranked. A failed warm-up is logged and the job goes on with the
// vectors it has.
func (o *Orchestrator) warm(ctx context.Context, j *job, log zerolog.Logger) error {
	p, ok := model.ProviderFor(j.state.Method)
	if !ok || o.warmer == nil {
		return nil
	}
	start := time.Now()
	n, err := o.warmer.Warm(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "jobs: interrupted")
		}
		log.Warn().Err(err).Str("provider", string(p)).Msg("catalog warm-up failed")
		o.emitLog(j.state.ID, notify.LevelWarning, fmt.Sprintf("Catalog embedding incomplete: %v", err))
		return nil
	}
	if n > 0 {
		o.emitLog(j.state.ID, notify.LevelInfo, fmt.Sprintf("Embedded %d catalog items in %s", n, time.Since(start).Round(time.Millisecond)))
	}
	return nil
}
