package whatsapp

import (
	"context"
	"sync"
	"testing"

	"github.com/AzielCF/az-relay/core/config"
	"github.com/AzielCF/az-relay/domains/instance"
	"github.com/AzielCF/az-relay/integrations/edge"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Paths: config.PathsConfig{AuthBase: t.TempDir()},
		Discovery: config.DiscoveryConfig{
			PollMs:         10,
			EligibleLimit:  50,
			StopCooldownMs: 60000,
		},
		Outbound: config.OutboundConfig{
			PollMs:           10,
			MaxSendAttempts:  4,
			RefreshBackoffMs: []int{1, 1, 1},
		},
		BadMac: config.BadMacConfig{WindowMs: 60000, Threshold: 20, CooldownMs: 300000},
		Contacts: config.ContactsConfig{
			ErrorCooldownMs:     60000,
			DuplicateCooldownMs: 300000,
			SuccessCooldownMs:   300000,
			CacheMax:            500,
		},
		Whatsapp: config.WhatsappConfig{LogLevel: "ERROR", MediaTimeoutMs: 60000},
	}
}

type sentCall struct {
	messageID   string
	waMessageID string
	debug       map[string]any
}

type failedCall struct {
	messageID string
	reason    string
	debug     map[string]any
}

type refreshCall struct {
	jid     string
	trigger string
}

type fakeEdge struct {
	mu sync.Mutex

	settings *instance.Settings
	eligible []instance.Eligible
	queued   []instance.QueuedMessage

	sent      []sentCall
	failed    []failedCall
	refreshes []refreshCall
	inbound   []edge.InboundMessage
	statuses  []string
	acquires  []string
	releases  []string

	primaryJID   map[string]string
	primaryErr   error
	resolveID    string
	resolveErr   error
	resolveCalls int
	uploadURL    string
	uploadErr    error
}

func (f *fakeEdge) GetSettings(ctx context.Context) (*instance.Settings, error) {
	return f.settings, nil
}

func (f *fakeEdge) ListEligible(ctx context.Context, limit int) ([]instance.Eligible, error) {
	return f.eligible, nil
}

func (f *fakeEdge) UpdateStatus(ctx context.Context, instanceID, status, qrCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, instanceID+":"+status)
}

func (f *fakeEdge) statusCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func (f *fakeEdge) ListQueued(ctx context.Context, instanceID string) ([]instance.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued, nil
}

func (f *fakeEdge) MarkSent(ctx context.Context, messageID, waMessageID string, sendDebug map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCall{messageID, waMessageID, sendDebug})
	return nil
}

func (f *fakeEdge) MarkFailed(ctx context.Context, messageID, reason string, sendDebug map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failedCall{messageID, reason, sendDebug})
	return nil
}

func (f *fakeEdge) PostInbound(ctx context.Context, msg edge.InboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, msg)
	return nil
}

func (f *fakeEdge) ResolveContact(ctx context.Context, instanceID, jid, jidType, pushName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	return f.resolveID, f.resolveErr
}

func (f *fakeEdge) PrimaryJID(ctx context.Context, instanceID, jid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.primaryErr != nil {
		return "", f.primaryErr
	}
	return f.primaryJID[jid], nil
}

func (f *fakeEdge) UploadMedia(ctx context.Context, upload edge.MediaUpload) (string, error) {
	return f.uploadURL, f.uploadErr
}

func (f *fakeEdge) RefreshSession(ctx context.Context, instanceID, jid, trigger string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, refreshCall{jid, trigger})
	return nil
}

func (f *fakeEdge) AcquireLock(ctx context.Context, instanceID, owner string, ttlMs int) (edge.LockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires = append(f.acquires, instanceID)
	return edge.LockResult{Acquired: true, Owner: owner, Token: "tok-" + instanceID}, nil
}

func (f *fakeEdge) RenewLock(ctx context.Context, instanceID, owner, token string, ttlMs int) (edge.LockResult, error) {
	return edge.LockResult{Acquired: true, Owner: owner, Token: token}, nil
}

func (f *fakeEdge) ReleaseLock(ctx context.Context, instanceID, owner, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, instanceID)
	return nil
}

func (f *fakeEdge) lockAcquires() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acquires...)
}

func (f *fakeEdge) lockReleases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.releases...)
}

type fakeHooks struct {
	mu      sync.Mutex
	desired bool
	resets  []string
}

func (f *fakeHooks) isDesired(instanceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desired
}

func (f *fakeHooks) ensureRunning(ctx context.Context, instanceID string, priority int) {}

func (f *fakeHooks) resetRuntime(instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, instanceID)
}

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	fn    func(attempt int, destination string) (string, error)
}

func (f *fakeSender) SendQueued(ctx context.Context, destination string, msg instance.QueuedMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, destination)
	attempt := len(f.calls)
	f.mu.Unlock()
	return f.fn(attempt, destination)
}
