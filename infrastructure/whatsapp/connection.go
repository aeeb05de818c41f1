package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/AzielCF/az-relay/domains/instance"
	"github.com/AzielCF/az-relay/pkg/utils"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

var reconnectBackoff = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

// connect brings the session toward Open. If a client already exists it
// reuses it, otherwise it initializes the store and a fresh client.
func (r *Runtime) connect(ctx context.Context) error {
	// A stop or lock loss may have raced the goroutine that called us.
	if !r.hooks.isDesired(r.ID) {
		return nil
	}

	r.mu.Lock()
	switch r.state {
	case instance.StateConnecting, instance.StateOpen, instance.StateClosing:
		r.mu.Unlock()
		return nil
	}
	r.state = instance.StateConnecting
	r.intentionalStop = false
	client := r.client
	r.mu.Unlock()

	r.api.UpdateStatus(ctx, r.ID, instance.StatusConnecting, "")

	if client != nil {
		if err := client.Connect(); err != nil {
			r.log().Errorf("[CONNECTION] reconnect failed: %v", err)
			r.handleClose(err)
			return err
		}
		return nil
	}

	if err := utils.CreateFolder(r.authPath()); err != nil {
		r.setIdle()
		return fmt.Errorf("create auth dir: %w", err)
	}

	dbPath := fmt.Sprintf("file:%s/session.db?_foreign_keys=on", r.authPath())
	dbLog := waLog.Stdout("DB-"+shortID(r.ID), r.cfg.Whatsapp.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite3", dbPath, dbLog)
	if err != nil {
		r.setIdle()
		return fmt.Errorf("open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		r.setIdle()
		return fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	platform := r.cfg.App.Platform
	osName := r.cfg.App.OS
	store.DeviceProps.PlatformType = &platform
	store.DeviceProps.Os = &osName

	clientLog := waLog.Stdout("Client-"+shortID(r.ID), r.cfg.Whatsapp.LogLevel, true)
	client = whatsmeow.NewClient(device, clientLog)
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true
	handlerID := client.AddEventHandler(r.handleEvent)

	r.mu.Lock()
	r.client = client
	r.container = container
	r.handlerID = handlerID
	r.mu.Unlock()

	if err := client.Connect(); err != nil {
		r.log().Errorf("[CONNECTION] initial connect failed: %v", err)
		r.handleClose(err)
		return err
	}
	return nil
}

func (r *Runtime) setIdle() {
	r.mu.Lock()
	r.state = instance.StateIdle
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Runtime) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.QR:
		r.handleQR(v)
	case *events.PairSuccess:
		r.log().Infof("[CONNECTION] paired with %s", v.ID.ToNonAD().String())
	case *events.Connected:
		r.handleOpen()
	case *events.Disconnected:
		r.handleClose(nil)
	case *events.LoggedOut:
		r.handleClose(errors.New("logged out by server"))
	case *events.StreamError:
		r.handleClose(fmt.Errorf("stream error code %s", v.Code))
	case *events.ConnectFailure:
		r.handleClose(fmt.Errorf("connect failure: %s", v.Message))
	case *events.UndecryptableMessage:
		r.noteBadMac("failed to decrypt message")
	case *events.Message:
		go r.handleInbound(context.Background(), v)
	}
}

func (r *Runtime) handleQR(evt *events.QR) {
	if len(evt.Codes) == 0 {
		return
	}
	dataURL, err := utils.QRDataURL(evt.Codes[0])
	if err != nil {
		r.log().Errorf("[CONNECTION] QR render failed: %v", err)
		return
	}
	r.log().Info("[CONNECTION] pairing QR refreshed")
	r.api.UpdateStatus(context.Background(), r.ID, instance.StatusConnecting, dataURL)
}

func (r *Runtime) handleOpen() {
	r.mu.Lock()
	r.state = instance.StateOpen
	r.connectedAt = time.Now()
	r.reconnectAttempt = 0
	r.mu.Unlock()

	r.badMac.reset()
	r.log().Info("[CONNECTION] session open")
	r.api.UpdateStatus(context.Background(), r.ID, instance.StatusConnected, "")
	r.startOutbound()
}

// handleClose runs the close decision table: it records the failure
// kind, then either stays down, wipes auth, or schedules a reconnect.
func (r *Runtime) handleClose(cause error) {
	r.mu.Lock()
	switch r.state {
	case instance.StateConnecting, instance.StateOpen:
	default:
		r.mu.Unlock()
		return
	}
	wasIntentional := r.intentionalStop
	r.state = instance.StateIdle
	r.connectedAt = time.Time{}
	r.mu.Unlock()

	r.stopOutbound()
	r.api.UpdateStatus(context.Background(), r.ID, instance.StatusDisconnected, "")

	text := ""
	if cause != nil {
		text = cause.Error()
	}
	kind := classifyErrorText(text)
	r.log().WithFields(logrus.Fields{"reason": kind.String()}).Infof("[CONNECTION] closed: %v", cause)

	if wasIntentional || !r.hooks.isDesired(r.ID) {
		return
	}
	if cause != nil && shouldWipeAuthText(text) {
		r.wipeAndRestart(true)
		return
	}
	if kind == KindRestart515 {
		// The server asks for a restart; stagger it so a fleet does
		// not reconnect in lockstep.
		delay := 2*time.Second + time.Duration(rand.Int63n(int64(3*time.Second)))
		r.scheduleReconnect(delay)
		return
	}

	r.mu.Lock()
	attempt := r.reconnectAttempt
	r.reconnectAttempt++
	r.mu.Unlock()
	if attempt >= len(reconnectBackoff) {
		attempt = len(reconnectBackoff) - 1
	}
	r.scheduleReconnect(reconnectBackoff[attempt])
}

func (r *Runtime) scheduleReconnect(delay time.Duration) {
	r.log().Infof("[CONNECTION] reconnecting in %s", delay)
	r.mu.Lock()
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
	}
	r.reconnectTimer = time.AfterFunc(delay, func() {
		if r.State() != instance.StateIdle || !r.hooks.isDesired(r.ID) {
			return
		}
		if err := r.connect(context.Background()); err != nil {
			r.log().Errorf("[CONNECTION] reconnect attempt failed: %v", err)
		}
	})
	r.mu.Unlock()
}

// noteBadMac feeds the decrypt-failure breaker. Tripping it wipes the
// auth state, since a session stuck in a Bad MAC loop never recovers on
// its own.
func (r *Runtime) noteBadMac(text string) {
	if !isBadMacText(text) {
		return
	}
	now := time.Now()
	window := time.Duration(r.cfg.BadMac.WindowMs) * time.Millisecond
	cooldown := time.Duration(r.cfg.BadMac.CooldownMs) * time.Millisecond

	count := r.badMac.record(now, window)
	if count < r.cfg.BadMac.Threshold {
		return
	}
	if !r.badMac.tryTrip(now, cooldown) {
		return
	}
	r.log().Errorf("[CONNECTION] decrypt-failure breaker tripped after %d errors, wiping auth", count)
	go r.wipeAndRestart(false)
}

// wipeAndRestart deletes the session's auth material and asks the
// manager to bring it back up for a fresh pairing. statusReported is
// true when the caller already posted DISCONNECTED for this teardown.
func (r *Runtime) wipeAndRestart(statusReported bool) {
	r.mu.Lock()
	if r.state == instance.StateWipedPendingRestart {
		r.mu.Unlock()
		return
	}
	r.state = instance.StateWipedPendingRestart
	priority := r.priority
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	r.mu.Unlock()

	r.stopOutbound()
	r.teardownClient()

	if err := os.RemoveAll(r.authPath()); err != nil {
		r.log().Errorf("[CONNECTION] auth wipe failed: %v", err)
	} else {
		r.log().Warn("[CONNECTION] auth state wiped, session requires re-pairing")
	}
	if !statusReported {
		r.api.UpdateStatus(context.Background(), r.ID, instance.StatusDisconnected, "")
	}

	r.hooks.resetRuntime(r.ID)
	if r.hooks.isDesired(r.ID) {
		go r.hooks.ensureRunning(context.Background(), r.ID, priority)
	}
}

// stop tears the session down intentionally, without wiping auth.
func (r *Runtime) stop(ctx context.Context) {
	r.mu.Lock()
	if r.state == instance.StateClosing {
		r.mu.Unlock()
		return
	}
	r.intentionalStop = true
	r.state = instance.StateClosing
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	r.mu.Unlock()

	r.stopOutbound()
	r.teardownClient()
	r.setIdle()
	r.api.UpdateStatus(ctx, r.ID, instance.StatusDisconnected, "")
	r.log().Info("[CONNECTION] session stopped")
}

func (r *Runtime) teardownClient() {
	r.mu.Lock()
	client := r.client
	container := r.container
	handlerID := r.handlerID
	r.client = nil
	r.container = nil
	r.handlerID = 0
	r.mu.Unlock()

	if client != nil {
		if handlerID != 0 {
			client.RemoveEventHandler(handlerID)
		}
		client.Disconnect()
	}
	if container != nil {
		_ = container.Close()
	}
}
