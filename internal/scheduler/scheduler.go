// Package scheduler runs the background token refresh loop: every
// tick it refreshes OAuth credentials expiring within the grace
// window, so callers rarely hit an expired token on the hot path.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/store"
)

const (
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 15 * time.Minute
)

// Scheduler periodically refreshes expiring credentials.
type Scheduler struct {
	store    *store.Store
	registry *registry.Registry
	cfg      config.SchedulerConfig

	mu   sync.Mutex
	next map[string]attemptState
	done chan struct{}
}

// attemptState tracks the cross-tick backoff for one credential.
type attemptState struct {
	notBefore time.Time
	failures  int
}

// New creates a scheduler. Start must be called to begin the loop.
func New(s *store.Store, reg *registry.Registry, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:    s,
		registry: reg,
		cfg:      cfg,
		next:     make(map[string]attemptState),
		done:     make(chan struct{}),
	}
}

// Start runs the refresh loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		log.Printf("[Scheduler] refresh loop started (interval %s, grace %s)", s.cfg.Interval, s.cfg.GraceWindow)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[Scheduler] refresh loop stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Wait blocks until the loop has exited after Start's context is
// cancelled.
func (s *Scheduler) Wait() { <-s.done }

// tick refreshes every active OAuth credential expiring within the
// grace window, honoring per-credential backoff from earlier failures.
func (s *Scheduler) tick(ctx context.Context) {
	cutoff := time.Now().Add(s.cfg.GraceWindow)
	creds, err := s.store.ListExpiringBefore(cutoff)
	if err != nil {
		log.Printf("⚠️ [Scheduler] failed to list expiring credentials: %v", err)
		return
	}

	for _, cred := range creds {
		if ctx.Err() != nil {
			return
		}
		if !s.attemptDue(cred.Key()) {
			continue
		}
		s.refreshOne(ctx, cred)
	}
}

func (s *Scheduler) attemptDue(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.next[key]
	return !ok || time.Now().After(st.notBefore)
}

func (s *Scheduler) refreshOne(ctx context.Context, cred *models.Credential) {
	engine, err := s.registry.OAuth(cred.Provider)
	if err != nil {
		log.Printf("⚠️ [Scheduler] no oauth engine for %s: %v", cred.Key(), err)
		return
	}

	refreshed, err := engine.Refresh(ctx, cred)
	if err != nil {
		s.noteFailure(cred, err)
		return
	}

	if err := s.store.Put(refreshed, true); err != nil {
		s.noteFailure(cred, err)
		return
	}
	if err := s.store.RecordRefreshSuccess(cred.Provider, cred.AuthType, cred.Name); err != nil {
		log.Printf("⚠️ [Scheduler] failed to record refresh success for %s: %v", cred.Key(), err)
	}

	s.mu.Lock()
	delete(s.next, cred.Key())
	s.mu.Unlock()
}

// noteFailure records the failure in the store and pushes the next
// attempt out with capped exponential backoff. The credential is never
// deleted; after MaxFailures consecutive failures the store flags it
// for manual re-auth and it drops out of the expiring list.
func (s *Scheduler) noteFailure(cred *models.Credential, cause error) {
	log.Printf("⚠️ [Scheduler] refresh failed for %s: %v", cred.Key(), cause)

	if err := s.store.RecordRefreshFailure(cred.Provider, cred.AuthType, cred.Name, s.cfg.MaxFailures); err != nil {
		log.Printf("⚠️ [Scheduler] failed to record refresh failure for %s: %v", cred.Key(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.next[cred.Key()]
	st.failures++
	delay := baseRetryDelay << (st.failures - 1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	st.notBefore = time.Now().Add(delay)
	s.next[cred.Key()] = st
}
