package roster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/agent_phone/pkg/guard"
)

// DefaultPullInterval период проверки свежести push-канала.
const DefaultPullInterval = 30 * time.Second

// DefaultStaleAfter сколько молчания push-канала терпим до pull-обновления.
const DefaultStaleAfter = 60 * time.Second

// FetchFunc забирает полный список агентов из бэкенда.
type FetchFunc func(ctx context.Context) ([]Entry, error)

// Refresher подстраховывает push-канал: если обновления давно не приходили,
// список перечитывается целиком.
type Refresher struct {
	sess  *guard.SessionContext
	store *Store
	fetch FetchFunc

	interval   time.Duration
	staleAfter time.Duration

	mu       sync.Mutex
	lastPush time.Time

	stop chan struct{}
}

// RefresherOptions параметры pull-fallback.
type RefresherOptions struct {
	Session    *guard.SessionContext
	Store      *Store
	Fetch      FetchFunc
	Interval   time.Duration // 0 — DefaultPullInterval
	StaleAfter time.Duration // 0 — DefaultStaleAfter
}

// NewRefresher создает pull-fallback. Запуск — Start.
func NewRefresher(opts RefresherOptions) *Refresher {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPullInterval
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return &Refresher{
		sess:       opts.Session,
		store:      opts.Store,
		fetch:      opts.Fetch,
		interval:   interval,
		staleAfter: stale,
		lastPush:   time.Now(),
		stop:       make(chan struct{}),
	}
}

// Touch отмечает, что push-канал живой. Зовется на каждом push-событии.
func (r *Refresher) Touch() {
	r.mu.Lock()
	r.lastPush = time.Now()
	r.mu.Unlock()
}

// Start запускает фоновый цикл.
func (r *Refresher) Start() {
	go r.loop()
}

// Stop останавливает цикл. Идемпотентности не требуется: зовется один раз.
func (r *Refresher) Stop() {
	close(r.stop)
}

func (r *Refresher) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.sess.Context().Done():
			return
		case <-ticker.C:
			if !r.sess.Active() {
				return
			}
			r.mu.Lock()
			stale := time.Since(r.lastPush) >= r.staleAfter
			r.mu.Unlock()
			if !stale {
				continue
			}
			r.pull()
		}
	}
}

func (r *Refresher) pull() {
	ctx, cancel := context.WithTimeout(r.sess.Context(), 10*time.Second)
	defer cancel()

	entries, err := r.fetch(ctx)
	if err != nil {
		slog.Warn("roster: pull refresh failed", slog.String("error", err.Error()))
		return
	}
	r.store.Replace(entries)
	r.Touch()
	slog.Debug("roster: refreshed by pull", slog.Int("agents", len(entries)))
}
