package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/db/models"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/store"
	"github.com/modelgate/modelgate/internal/stream"
	"go.uber.org/goleak"
)

type fakeEngine struct {
	refreshCalls int32
	fail         atomic.Bool
}

func (f *fakeEngine) BeginOAuth(ctx context.Context, name string) (*auth.PendingAuth, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEngine) CompleteOAuth(ctx context.Context, pending *auth.PendingAuth, code string) (*models.Credential, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEngine) CreateAPIKeyCredential(name, key string) (*models.Credential, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeEngine) Refresh(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	n := atomic.AddInt32(&f.refreshCalls, 1)
	if f.fail.Load() {
		return nil, errors.New("invalid_grant")
	}
	expiry := time.Now().Add(time.Hour).UTC()
	secret, _ := (&auth.SecretMaterial{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: "refresh-1",
		Expiry:       expiry,
	}).Encode()
	out := *cred
	out.Secret = secret
	out.ExpiresAt = &expiry
	return &out, nil
}

type fakeStreamer struct{}

func (fakeStreamer) OpenStream(ctx context.Context, cred *models.Credential, req provider.ChatRequest) (*http.Response, error) {
	return nil, errors.New("not implemented")
}
func (fakeStreamer) Mapping() stream.MappingTable { return stream.MappingTable{} }

type fakeLister struct{}

func (fakeLister) ListModels(ctx context.Context, cred *models.Credential) ([]provider.Model, error) {
	return nil, nil
}

func newTestScheduler(t *testing.T, engine *fakeEngine) (*Scheduler, *store.Store) {
	t.Helper()
	gormDB, err := db.InitDB("file::memory:")
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	s, err := store.New(gormDB, "test-master-key")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	reg := registry.New()
	if err := reg.Register("fake", provider.Capabilities{
		OAuth:     engine,
		APIKey:    engine,
		Streaming: fakeStreamer{},
		Models:    fakeLister{},
	}); err != nil {
		t.Fatalf("failed to register provider: %v", err)
	}

	cfg := config.SchedulerConfig{
		Interval:    time.Hour,
		GraceWindow: 10 * time.Minute,
		MaxFailures: 3,
	}
	return New(s, reg, cfg), s
}

func putExpiring(t *testing.T, s *store.Store, name string, until time.Duration) {
	t.Helper()
	expiry := time.Now().Add(until).UTC()
	secret, _ := (&auth.SecretMaterial{
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		Expiry:       expiry,
	}).Encode()
	err := s.Put(&models.Credential{
		Provider:  "fake",
		AuthType:  "oauth",
		Name:      name,
		Secret:    secret,
		ExpiresAt: &expiry,
	}, false)
	if err != nil {
		t.Fatalf("failed to seed credential: %v", err)
	}
}

func TestTickRefreshesExpiring(t *testing.T) {
	engine := &fakeEngine{}
	sched, s := newTestScheduler(t, engine)

	putExpiring(t, s, "soon", 5*time.Minute)
	putExpiring(t, s, "later", 2*time.Hour)

	sched.tick(context.Background())

	if got := atomic.LoadInt32(&engine.refreshCalls); got != 1 {
		t.Fatalf("refresh called %d times, want 1 (only the expiring credential)", got)
	}

	cred, err := s.Get("fake", "oauth", "soon")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	material, err := auth.DecodeSecret(cred)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if material.AccessToken != "access-1" {
		t.Errorf("access token = %q, want the refreshed one", material.AccessToken)
	}
	if !cred.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("expiry not extended: %v", cred.ExpiresAt)
	}
}

func TestFailuresFlagManualReauthAndStop(t *testing.T) {
	engine := &fakeEngine{}
	engine.fail.Store(true)
	sched, s := newTestScheduler(t, engine)

	putExpiring(t, s, "broken", time.Minute)

	// Drive ticks past the failure threshold, clearing the cross-tick
	// backoff so every tick actually attempts.
	for i := 0; i < 4; i++ {
		sched.mu.Lock()
		sched.next = make(map[string]attemptState)
		sched.mu.Unlock()
		sched.tick(context.Background())
	}

	cred, err := s.Get("fake", "oauth", "broken")
	if err != nil {
		t.Fatalf("credential was deleted: %v", err)
	}
	if cred.Status != models.StatusNeedsManualReauth {
		t.Errorf("status = %q, want %q", cred.Status, models.StatusNeedsManualReauth)
	}
	if got := atomic.LoadInt32(&engine.refreshCalls); got != 3 {
		t.Errorf("refresh called %d times, want 3 (flagged credentials leave the list)", got)
	}
}

func TestBackoffSkipsRecentFailure(t *testing.T) {
	engine := &fakeEngine{}
	engine.fail.Store(true)
	sched, s := newTestScheduler(t, engine)

	putExpiring(t, s, "flaky", time.Minute)

	sched.tick(context.Background())
	sched.tick(context.Background())

	if got := atomic.LoadInt32(&engine.refreshCalls); got != 1 {
		t.Errorf("refresh called %d times, want 1 (second tick inside backoff window)", got)
	}
}

func TestStartStopsCleanly(t *testing.T) {
	engine := &fakeEngine{}
	sched, _ := newTestScheduler(t, engine)
	// The db pool keeps its own goroutines; only the refresh loop is
	// under test here.
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	cancel()
	sched.Wait()
}
