package whatsapp

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/AzielCF/az-relay/core/config"
	"github.com/AzielCF/az-relay/domains/instance"
	"github.com/AzielCF/az-relay/integrations/edge"
	"github.com/AzielCF/az-relay/pkg/aliasmap"
	"github.com/AzielCF/az-relay/pkg/contactcache"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
)

// edgeAPI is the slice of the control-plane client the session runners
// need. *edge.Client satisfies it.
type edgeAPI interface {
	GetSettings(ctx context.Context) (*instance.Settings, error)
	ListEligible(ctx context.Context, limit int) ([]instance.Eligible, error)
	UpdateStatus(ctx context.Context, instanceID, status, qrCode string)
	ListQueued(ctx context.Context, instanceID string) ([]instance.QueuedMessage, error)
	MarkSent(ctx context.Context, messageID, waMessageID string, sendDebug map[string]any) error
	MarkFailed(ctx context.Context, messageID, reason string, sendDebug map[string]any) error
	PostInbound(ctx context.Context, msg edge.InboundMessage) error
	ResolveContact(ctx context.Context, instanceID, jid, jidType, pushName string) (string, error)
	PrimaryJID(ctx context.Context, instanceID, jid string) (string, error)
	UploadMedia(ctx context.Context, upload edge.MediaUpload) (string, error)
	RefreshSession(ctx context.Context, instanceID, jid, trigger string) error
}

// managerHooks is the typed handle a runtime keeps back to its manager.
// Runtimes never hold the manager directly; the manager owns them.
type managerHooks interface {
	isDesired(instanceID string) bool
	ensureRunning(ctx context.Context, instanceID string, priority int)
	resetRuntime(instanceID string)
}

// Runtime is the per-session state: the socket, its lifecycle position,
// reconnect bookkeeping and the session-local caches.
type Runtime struct {
	ID string

	cfg   *config.Config
	api   edgeAPI
	hooks managerHooks

	aliases  *aliasmap.Store
	contacts *contactcache.Cache
	badMac   badMacWindow

	mu               sync.Mutex
	state            instance.ConnectionState
	connectedAt      time.Time
	reconnectAttempt int
	intentionalStop  bool
	priority         int
	reconnectTimer   *time.Timer
	client           *whatsmeow.Client
	container        *sqlstore.Container
	handlerID        uint32
	outbound         *OutboundRunner
}

func newRuntime(id string, priority int, cfg *config.Config, api edgeAPI, hooks managerHooks) *Runtime {
	authPath := filepath.Join(cfg.Paths.AuthBase, id)
	return &Runtime{
		ID:       id,
		cfg:      cfg,
		api:      api,
		hooks:    hooks,
		priority: priority,
		state:    instance.StateIdle,
		aliases:  aliasmap.New(filepath.Join(authPath, "identity-alias-map.json")),
		contacts: contactcache.New(cfg.Contacts.CacheMax),
	}
}

func (r *Runtime) authPath() string {
	return filepath.Join(r.cfg.Paths.AuthBase, r.ID)
}

// State returns the current lifecycle position.
func (r *Runtime) State() instance.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ConnectedAt returns when the session last entered Open, or zero.
func (r *Runtime) ConnectedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedAt
}

func (r *Runtime) setPriority(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priority = p
}

func (r *Runtime) log() *logrus.Entry {
	return logrus.WithField("instance_id", r.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
