package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"boq-matcher/internal/matching/model"
	"boq-matcher/internal/matching/service"
)

// Warmer embeds catalog documents for a provider. Warm-ups for the same
// provider are serialized, so a caller of Warm waits for one already
// running in the background and then finds little left to embed.
type Warmer struct {
	cache   *Cache
	svc     *service.Service
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	running map[model.Provider]bool
	locks   map[model.Provider]*sync.Mutex
	wg      sync.WaitGroup
}

func NewWarmer(cache *Cache, svc *service.Service, timeout time.Duration, log zerolog.Logger) *Warmer {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Warmer{
		cache:   cache,
		svc:     svc,
		timeout: timeout,
		log:     log.With().Str("component", "catalog-warmer").Logger(),
		running: make(map[model.Provider]bool),
		locks:   make(map[model.Provider]*sync.Mutex),
	}
}

// Warm embeds the missing documents synchronously.
func (w *Warmer) Warm(ctx context.Context, p model.Provider) (int, error) {
	sem, ok := w.svc.Semantic(p)
	if !ok {
		return 0, eris.Wrapf(model.ErrValidation, "catalog: provider %q is not configured", p)
	}
	l := w.lock(p)
	l.Lock()
	defer l.Unlock()

	cat, err := w.cache.Get(ctx)
	if err != nil {
		return 0, err
	}
	return sem.Warm(ctx, cat)
}

func (w *Warmer) lock(p model.Provider) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[p]
	if !ok {
		l = &sync.Mutex{}
		w.locks[p] = l
	}
	return l
}

// Start launches a warm-up unless one is already running for p. It
// reports whether a new one was started.
func (w *Warmer) Start(p model.Provider) bool {
	if _, ok := w.svc.Semantic(p); !ok {
		return false
	}
	w.mu.Lock()
	if w.running[p] {
		w.mu.Unlock()
		return false
	}
	w.running[p] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.running, p)
			w.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		start := time.Now()
		n, err := w.Warm(ctx, p)
		ev := w.log.Info()
		if err != nil {
			ev = w.log.Warn().Err(err)
		}
		ev.Str("provider", string(p)).Int("embedded", n).Dur("took", time.Since(start)).Msg("catalog warm-up finished")
	}()
	return true
}

// Running reports whether a warm-up is in progress for p.
func (w *Warmer) Running(p model.Provider) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running[p]
}

// Wait blocks until every started warm-up has returned.
func (w *Warmer) Wait() { w.wg.Wait() }
