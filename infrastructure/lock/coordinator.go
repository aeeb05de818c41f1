// Package lock enforces that only one worker process drives a given
// session. The actual arbitration lives in the control plane; this
// coordinator owns the renewal timers and the local ownership map.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/AzielCF/az-relay/integrations/edge"
	"github.com/sirupsen/logrus"
)

type lockAPI interface {
	AcquireLock(ctx context.Context, instanceID, owner string, ttlMs int) (edge.LockResult, error)
	RenewLock(ctx context.Context, instanceID, owner, token string, ttlMs int) (edge.LockResult, error)
	ReleaseLock(ctx context.Context, instanceID, owner, token string) error
}

type heldLock struct {
	token string
	stop  chan struct{}
}

// Coordinator acquires, renews and releases per-session locks. Ownership
// entries and renewal loops are created and destroyed together.
type Coordinator struct {
	api        lockAPI
	owner      string
	ttl        time.Duration
	renewEvery time.Duration
	reqTimeout time.Duration

	// OnLockLost is invoked (in its own goroutine) when a renewal fails
	// and local ownership has already been cleared.
	OnLockLost func(instanceID string)

	mu   sync.Mutex
	held map[string]*heldLock
}

// NewCoordinator builds a coordinator. renewMs <= 0 selects the default
// cadence of ttl/2 with a 2s floor.
func NewCoordinator(api lockAPI, owner string, ttlMs, renewMs int) *Coordinator {
	if ttlMs < 5000 {
		ttlMs = 5000
	}
	renew := time.Duration(renewMs) * time.Millisecond
	if renewMs <= 0 {
		renew = time.Duration(ttlMs/2) * time.Millisecond
		if renew < 2*time.Second {
			renew = 2 * time.Second
		}
	}
	return &Coordinator{
		api:        api,
		owner:      owner,
		ttl:        time.Duration(ttlMs) * time.Millisecond,
		renewEvery: renew,
		reqTimeout: 10 * time.Second,
		held:       make(map[string]*heldLock),
	}
}

// Owner returns the identity used for lock claims.
func (c *Coordinator) Owner() string { return c.owner }

// Owns reports whether this process currently holds the lock.
func (c *Coordinator) Owns(instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[instanceID]
	return ok
}

// Acquire claims the lock for a session and starts its renewal loop.
// Returns true when the lock is held after the call.
func (c *Coordinator) Acquire(ctx context.Context, instanceID string) bool {
	c.mu.Lock()
	if _, ok := c.held[instanceID]; ok {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	res, err := c.api.AcquireLock(ctx, instanceID, c.owner, int(c.ttl/time.Millisecond))
	if err != nil {
		if edge.IsNotFound(err) {
			logrus.WithField("instance_id", instanceID).Info("[LOCK] lock endpoint reported unknown instance, skipping")
		} else {
			logrus.WithError(err).WithField("instance_id", instanceID).Error("[LOCK] acquire failed")
		}
		return false
	}
	if !res.Acquired {
		logrus.WithFields(logrus.Fields{
			"instance_id": instanceID,
			"held_by":     res.Owner,
		}).Warn("[LOCK] lock held by another worker")
		return false
	}

	h := &heldLock{token: res.Token, stop: make(chan struct{})}

	c.mu.Lock()
	c.held[instanceID] = h
	c.mu.Unlock()

	go c.renewLoop(instanceID, h)

	logrus.WithField("instance_id", instanceID).Infof("[LOCK] acquired as %s", c.owner)
	return true
}

// Release gives a lock back and stops its renewal loop. Local state is
// cleared regardless of the HTTP result.
func (c *Coordinator) Release(ctx context.Context, instanceID string) {
	c.mu.Lock()
	h, ok := c.held[instanceID]
	if ok {
		delete(c.held, instanceID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	close(h.stop)
	if err := c.api.ReleaseLock(ctx, instanceID, c.owner, h.token); err != nil {
		logrus.WithError(err).WithField("instance_id", instanceID).Warn("[LOCK] release call failed")
	}
	logrus.WithField("instance_id", instanceID).Info("[LOCK] released")
}

// ReleaseAll releases every held lock. Called on shutdown.
func (c *Coordinator) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.held))
	for id := range c.held {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Release(ctx, id)
	}
}

func (c *Coordinator) renewLoop(instanceID string, h *heldLock) {
	ticker := time.NewTicker(c.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.reqTimeout)
			res, err := c.api.RenewLock(ctx, instanceID, c.owner, h.token, int(c.ttl/time.Millisecond))
			cancel()

			if err == nil && res.Acquired {
				continue
			}
			if err != nil {
				logrus.WithError(err).WithField("instance_id", instanceID).Error("[LOCK] renew failed, dropping lock")
			} else {
				logrus.WithFields(logrus.Fields{
					"instance_id": instanceID,
					"held_by":     res.Owner,
				}).Warn("[LOCK] renew rejected, lock taken over")
			}

			c.mu.Lock()
			// Only clear if this loop's entry is still the current one.
			if cur, ok := c.held[instanceID]; ok && cur == h {
				delete(c.held, instanceID)
			}
			c.mu.Unlock()

			if c.OnLockLost != nil {
				go c.OnLockLost(instanceID)
			}
			return
		}
	}
}
