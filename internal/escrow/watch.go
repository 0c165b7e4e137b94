package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roborio/roborio/internal/metrics"
	"github.com/roborio/roborio/internal/wallet"
)

// watcher periodically refreshes one escrow while it is on screen.
type watcher struct {
	service  *Service
	escrow   *Escrow
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	once     sync.Once
	running  atomic.Bool
}

func newWatcher(s *Service, e *Escrow) *watcher {
	return &watcher{
		service:  s,
		escrow:   e.Clone(),
		interval: s.cfg.RefreshInterval,
		logger:   s.logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the refresh loop is active.
func (w *watcher) Running() bool {
	return w.running.Load()
}

// Start runs the refresh loop until ctx ends or Stop is called.
func (w *watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if done := w.safeRefresh(ctx); done {
				return
			}
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (w *watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *watcher) safeRefresh(ctx context.Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow watcher", "escrow", w.escrow.Address.String(), "panic", fmt.Sprint(r))
		}
	}()
	return w.refresh(ctx)
}

// refresh returns true once the escrow is closed or gone; there is nothing
// left to follow after that.
func (w *watcher) refresh(ctx context.Context) bool {
	e, err := w.service.Refresh(ctx, w.escrow)
	if err != nil {
		w.logger.Warn("escrow refresh failed", "escrow", w.escrow.Address.String(), "error", err)
		return false
	}
	if e == nil {
		w.logger.Debug("escrow account no longer on-chain, stopping watch", "escrow", w.escrow.Address.String())
		return true
	}
	w.escrow = e
	return e.IsClosed()
}

type watchSet struct {
	mu       sync.Mutex
	watchers map[string]*watcher
}

func newWatchSet() *watchSet {
	return &watchSet{watchers: make(map[string]*watcher)}
}

func (ws *watchSet) replace(key string, w *watcher) {
	ws.mu.Lock()
	old := ws.watchers[key]
	ws.watchers[key] = w
	metrics.WatchedEscrows.Set(float64(len(ws.watchers)))
	ws.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

func (ws *watchSet) remove(key string, w *watcher) {
	ws.mu.Lock()
	if ws.watchers[key] == w {
		delete(ws.watchers, key)
	}
	metrics.WatchedEscrows.Set(float64(len(ws.watchers)))
	ws.mu.Unlock()
	w.Stop()
}

func (ws *watchSet) stopAll() int {
	ws.mu.Lock()
	all := ws.watchers
	ws.watchers = make(map[string]*watcher)
	metrics.WatchedEscrows.Set(0)
	ws.mu.Unlock()
	for _, w := range all {
		w.Stop()
	}
	return len(all)
}

func (ws *watchSet) len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.watchers)
}

// Watch refreshes e every RefreshInterval until the returned stop is called,
// ctx ends, or the escrow is closed. Watching an escrow that is already
// watched replaces the earlier watcher.
func (s *Service) Watch(ctx context.Context, e *Escrow) (stop func()) {
	key := e.Address.String()
	w := newWatcher(s, e)
	s.watchers.replace(key, w)
	go func() {
		w.Start(ctx)
		s.watchers.remove(key, w)
	}()
	return func() { s.watchers.remove(key, w) }
}

// Watching reports how many escrows are being refreshed.
func (s *Service) Watching() int {
	return s.watchers.len()
}

// FollowSession stops every watcher when the wallet disconnects or is
// replaced. It blocks until ctx ends.
func (s *Service) FollowSession(ctx context.Context) {
	if s.session == nil {
		<-ctx.Done()
		return
	}
	sub := s.session.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type == wallet.EventDisconnected {
				if n := s.watchers.stopAll(); n > 0 {
					s.logger.Info("wallet disconnected, stopped escrow watchers", "count", n, "wallet", ev.PublicKey.String())
				}
			}
		}
	}
}
