package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-relay/integrations/edge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLockAPI struct {
	mu         sync.Mutex
	acquireRes edge.LockResult
	acquireErr error
	renewRes   edge.LockResult
	renewErr   error
	renews     int
	releases   []string
}

func (f *fakeLockAPI) AcquireLock(ctx context.Context, id, owner string, ttlMs int) (edge.LockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireRes, f.acquireErr
}

func (f *fakeLockAPI) RenewLock(ctx context.Context, id, owner, token string, ttlMs int) (edge.LockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return f.renewRes, f.renewErr
}

func (f *fakeLockAPI) ReleaseLock(ctx context.Context, id, owner, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, id+"/"+token)
	return nil
}

func TestAcquireAndRelease(t *testing.T) {
	api := &fakeLockAPI{
		acquireRes: edge.LockResult{Acquired: true, Owner: "host:1", Token: "tok-1"},
		renewRes:   edge.LockResult{Acquired: true},
	}
	c := NewCoordinator(api, "host:1", 30000, 50)

	require.True(t, c.Acquire(context.Background(), "inst-A"))
	assert.True(t, c.Owns("inst-A"))

	// Acquiring a held lock is a no-op success.
	require.True(t, c.Acquire(context.Background(), "inst-A"))

	c.Release(context.Background(), "inst-A")
	assert.False(t, c.Owns("inst-A"))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"inst-A/tok-1"}, api.releases)
}

func TestAcquireConflict(t *testing.T) {
	api := &fakeLockAPI{acquireRes: edge.LockResult{Acquired: false, Owner: "other:9"}}
	c := NewCoordinator(api, "host:1", 30000, 50)

	assert.False(t, c.Acquire(context.Background(), "inst-A"))
	assert.False(t, c.Owns("inst-A"))
}

func TestAcquireUnknownInstanceSkips(t *testing.T) {
	api := &fakeLockAPI{acquireErr: &edge.APIError{StatusCode: 404, Body: "no such instance"}}
	c := NewCoordinator(api, "host:1", 30000, 50)

	assert.False(t, c.Acquire(context.Background(), "inst-missing"))
}

func TestRenewFailureTriggersOnLockLost(t *testing.T) {
	api := &fakeLockAPI{
		acquireRes: edge.LockResult{Acquired: true, Token: "tok-1"},
		renewRes:   edge.LockResult{Acquired: false, Owner: "other:9"},
	}
	c := NewCoordinator(api, "host:1", 30000, 20)

	lost := make(chan string, 1)
	c.OnLockLost = func(id string) { lost <- id }

	require.True(t, c.Acquire(context.Background(), "inst-A"))

	select {
	case id := <-lost:
		assert.Equal(t, "inst-A", id)
	case <-time.After(2 * time.Second):
		t.Fatal("OnLockLost was not invoked after a rejected renewal")
	}
	assert.False(t, c.Owns("inst-A"))
}

func TestReleaseAll(t *testing.T) {
	api := &fakeLockAPI{
		acquireRes: edge.LockResult{Acquired: true, Token: "tok"},
		renewRes:   edge.LockResult{Acquired: true},
	}
	c := NewCoordinator(api, "host:1", 30000, 50)

	require.True(t, c.Acquire(context.Background(), "inst-A"))
	require.True(t, c.Acquire(context.Background(), "inst-B"))

	c.ReleaseAll(context.Background())
	assert.False(t, c.Owns("inst-A"))
	assert.False(t, c.Owns("inst-B"))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.releases, 2)
}

func TestDefaultRenewCadence(t *testing.T) {
	c := NewCoordinator(&fakeLockAPI{}, "host:1", 30000, 0)
	assert.Equal(t, 15*time.Second, c.renewEvery)

	// Short TTLs floor the default cadence at 2s.
	c = NewCoordinator(&fakeLockAPI{}, "host:1", 5000, 0)
	assert.Equal(t, 2*time.Second, c.renewEvery)
}
