// Package policy loads evidence-gate policies and evaluates them per turn.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
)

// Loader serves the active policy per scope from an in-process snapshot.
// Snapshots expire after a TTL; activation calls Invalidate so new versions
// take effect immediately on the instance that activated them and within one
// TTL everywhere else.
type Loader struct {
	db     *storage.DB
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]snapshot
	group singleflight.Group
}

type snapshot struct {
	policy   model.GatePolicy
	fetched  time.Time
	notFound bool
}

// NewLoader creates a Loader with the given snapshot TTL.
func NewLoader(db *storage.DB, ttl time.Duration, logger *slog.Logger) *Loader {
	return &Loader{
		db:     db,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]snapshot),
	}
}

// Active returns the active policy for a scope. When no policy has been
// activated the zero policy and false are returned; the gate then runs with
// built-in defaults.
func (l *Loader) Active(ctx context.Context, scope model.Scope) (model.GatePolicy, bool, error) {
	key := scope.TenantID + "/" + scope.SiteID

	l.mu.RLock()
	snap, ok := l.cache[key]
	l.mu.RUnlock()
	if ok && time.Since(snap.fetched) < l.ttl {
		return snap.policy, !snap.notFound, nil
	}

	// Collapse concurrent refreshes for the same scope into one DB read.
	v, err, _ := l.group.Do(key, func() (any, error) {
		p, err := l.db.GetActivePolicy(ctx, scope)
		snap := snapshot{policy: p, fetched: time.Now()}
		if err != nil {
			if err != storage.ErrNotFound {
				return nil, fmt.Errorf("policy: load active: %w", err)
			}
			snap.notFound = true
		}
		l.mu.Lock()
		l.cache[key] = snap
		l.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		// Serve the stale snapshot if we have one; a transient DB failure
		// should not take down the chat path.
		if ok {
			l.logger.Warn("policy: refresh failed, serving stale snapshot", "scope", key, "error", err)
			return snap.policy, !snap.notFound, nil
		}
		return model.GatePolicy{}, false, err
	}

	s := v.(snapshot)
	return s.policy, !s.notFound, nil
}

// Invalidate drops the snapshot for a scope.
func (l *Loader) Invalidate(scope model.Scope) {
	l.mu.Lock()
	delete(l.cache, scope.TenantID+"/"+scope.SiteID)
	l.mu.Unlock()
}
