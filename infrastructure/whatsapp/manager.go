package whatsapp

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-relay/core/config"
	"github.com/AzielCF/az-relay/domains/instance"
	"github.com/AzielCF/az-relay/infrastructure/lock"
	"github.com/sirupsen/logrus"
)

// Manager reconciles the set of running sessions against what the
// control plane says should be running. It owns every Runtime and the
// lock coordinator gate in front of them.
type Manager struct {
	cfg   *config.Config
	api   edgeAPI
	locks *lock.Coordinator

	mu       sync.Mutex
	runtimes map[string]*Runtime
	desired  map[string]struct{}

	// start brings one runtime toward Open. Swappable in tests.
	start func(*Runtime)

	discovering atomic.Bool
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewManager(cfg *config.Config, api edgeAPI, locks *lock.Coordinator) *Manager {
	m := &Manager{
		cfg:      cfg,
		api:      api,
		locks:    locks,
		runtimes: make(map[string]*Runtime),
		desired:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	m.start = m.launch
	locks.OnLockLost = m.handleLockLost
	return m
}

func (m *Manager) launch(rt *Runtime) {
	go func() {
		if err := rt.connect(context.Background()); err != nil {
			rt.log().Errorf("[MANAGER] session start failed: %v", err)
		}
	}()
}

// Start launches the discovery loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.discoveryCycle(context.Background())
		ticker := time.NewTicker(time.Duration(m.cfg.Discovery.PollMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.discoveryCycle(context.Background())
			}
		}
	}()
	logrus.Info("[MANAGER] discovery loop started")
}

// Stop shuts every session down and releases all held locks.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	for _, rt := range runtimes {
		rt.stop(ctx)
	}
	m.locks.ReleaseAll(ctx)
	logrus.Info("[MANAGER] all sessions stopped")
}

// SessionStatus is one row of the liveness snapshot.
type SessionStatus struct {
	InstanceID  string    `json:"instance_id"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Snapshot reports the lifecycle position of every governed session.
func (m *Manager) Snapshot() []SessionStatus {
	m.mu.Lock()
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, SessionStatus{
			InstanceID:  rt.ID,
			State:       rt.State().String(),
			ConnectedAt: rt.ConnectedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// computeTargets picks the sessions that should run: eligible rows
// sorted by priority descending (stable, so listing order breaks ties)
// and capped by max_active_instances.
func computeTargets(settings *instance.Settings, eligible []instance.Eligible, fallbackMax int) []instance.Eligible {
	targets := make([]instance.Eligible, 0, len(eligible))
	for _, e := range eligible {
		if e.ID != "" {
			targets = append(targets, e)
		}
	}
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Priority > targets[j].Priority
	})

	max := fallbackMax
	if settings != nil && settings.MaxActiveInstances != nil {
		max = *settings.MaxActiveInstances
	}
	if max < 0 {
		max = 0
	}
	if max > 0 && len(targets) > max {
		targets = targets[:max]
	}
	return targets
}

// discoveryCycle runs one reconciliation pass. Cycles never overlap; a
// slow pass makes the next tick a no-op instead of piling up.
func (m *Manager) discoveryCycle(ctx context.Context) {
	if !m.discovering.CompareAndSwap(false, true) {
		return
	}
	defer m.discovering.Store(false)

	var (
		wg          sync.WaitGroup
		settings    *instance.Settings
		eligible    []instance.Eligible
		eligibleErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s, err := m.api.GetSettings(ctx)
		if err != nil {
			logrus.Warnf("[MANAGER] settings fetch failed, using fallback limit: %v", err)
			return
		}
		settings = s
	}()
	go func() {
		defer wg.Done()
		eligible, eligibleErr = m.api.ListEligible(ctx, m.cfg.Discovery.EligibleLimit)
	}()
	wg.Wait()

	if eligibleErr != nil {
		logrus.Errorf("[MANAGER] eligible listing failed, skipping cycle: %v", eligibleErr)
		return
	}

	targets := computeTargets(settings, eligible, m.cfg.Discovery.FallbackMaxActive)

	m.mu.Lock()
	m.desired = make(map[string]struct{}, len(targets))
	for _, t := range targets {
		m.desired[t.ID] = struct{}{}
	}
	m.mu.Unlock()

	for _, t := range targets {
		m.ensureRunning(ctx, t.ID, t.Priority)
	}

	m.mu.Lock()
	var surplus []*Runtime
	for id, rt := range m.runtimes {
		if _, ok := m.desired[id]; !ok {
			surplus = append(surplus, rt)
		}
	}
	m.mu.Unlock()

	for _, rt := range surplus {
		if m.canStop(rt) {
			m.stopGracefully(ctx, rt)
		}
	}
}

// ensureRunning takes the lock for an instance and brings its runtime
// up if it is not already on its way.
func (m *Manager) ensureRunning(ctx context.Context, instanceID string, priority int) {
	if !m.locks.Acquire(ctx, instanceID) {
		return
	}

	m.mu.Lock()
	rt, ok := m.runtimes[instanceID]
	if !ok {
		rt = newRuntime(instanceID, priority, m.cfg, m.api, m)
		m.runtimes[instanceID] = rt
		logrus.WithField("instance_id", instanceID).Info("[MANAGER] session adopted")
	} else {
		rt.setPriority(priority)
	}
	m.mu.Unlock()

	if rt.State() == instance.StateIdle {
		m.start(rt)
	}
}

// canStop keeps recently opened sessions alive through priority churn.
func (m *Manager) canStop(rt *Runtime) bool {
	if rt.State() != instance.StateOpen {
		return true
	}
	cooldown := time.Duration(m.cfg.Discovery.StopCooldownMs) * time.Millisecond
	return time.Since(rt.ConnectedAt()) >= cooldown
}

func (m *Manager) stopGracefully(ctx context.Context, rt *Runtime) {
	rt.log().Info("[MANAGER] session no longer targeted, stopping")
	rt.stop(ctx)

	m.mu.Lock()
	delete(m.runtimes, rt.ID)
	m.mu.Unlock()

	m.locks.Release(ctx, rt.ID)
}

// handleLockLost tears a session down immediately once another worker
// owns its lock. The lock itself is already gone, so there is nothing
// to release.
func (m *Manager) handleLockLost(instanceID string) {
	m.mu.Lock()
	rt := m.runtimes[instanceID]
	delete(m.runtimes, instanceID)
	m.mu.Unlock()
	if rt == nil {
		return
	}
	rt.log().Warn("[MANAGER] lock lost, stopping session")
	rt.stop(context.Background())
}

// --- managerHooks ---

func (m *Manager) isDesired(instanceID string) bool {
	m.mu.Lock()
	_, ok := m.desired[instanceID]
	m.mu.Unlock()
	return ok && m.locks.Owns(instanceID)
}

func (m *Manager) resetRuntime(instanceID string) {
	m.mu.Lock()
	delete(m.runtimes, instanceID)
	m.mu.Unlock()
}
