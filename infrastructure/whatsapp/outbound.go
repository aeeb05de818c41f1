package whatsapp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-relay/core/config"
	"github.com/AzielCF/az-relay/domains/instance"
	"github.com/AzielCF/az-relay/pkg/aliasmap"
	"github.com/AzielCF/az-relay/pkg/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// sender delivers one message over an open session.
type sender interface {
	SendQueued(ctx context.Context, destination string, msg instance.QueuedMessage) (string, error)
}

// OutboundRunner polls the control plane's queue for one instance and
// drains it while the session is open. A processing flag keeps ticks
// from overlapping when a drain outlives the poll interval.
type OutboundRunner struct {
	instanceID string
	cfg        *config.Config
	api        edgeAPI
	send       sender
	aliases    *aliasmap.Store
	isOpen     func() bool

	sleep      func(time.Duration)
	processing atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func newOutboundRunner(instanceID string, cfg *config.Config, api edgeAPI, send sender, aliases *aliasmap.Store, isOpen func() bool) *OutboundRunner {
	return &OutboundRunner{
		instanceID: instanceID,
		cfg:        cfg,
		api:        api,
		send:       send,
		aliases:    aliases,
		isOpen:     isOpen,
		sleep:      time.Sleep,
		stopCh:     make(chan struct{}),
	}
}

func (o *OutboundRunner) log() *logrus.Entry {
	return logrus.WithField("instance_id", o.instanceID)
}

func (o *OutboundRunner) start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(time.Duration(o.cfg.Outbound.PollMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.tick(context.Background())
			}
		}
	}()
}

func (o *OutboundRunner) stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// tick drains the queue once. Failures on one message never keep the
// rest of the batch from being attempted.
func (o *OutboundRunner) tick(ctx context.Context) {
	if !o.processing.CompareAndSwap(false, true) {
		return
	}
	defer o.processing.Store(false)

	if !o.isOpen() {
		return
	}

	msgs, err := o.api.ListQueued(ctx, o.instanceID)
	if err != nil {
		o.log().Errorf("[OUTBOUND] queue poll failed: %v", err)
		return
	}
	for _, msg := range msgs {
		select {
		case <-o.stopCh:
			return
		default:
		}
		o.processMessage(ctx, msg)
	}
}

func (o *OutboundRunner) processMessage(ctx context.Context, msg instance.QueuedMessage) {
	debug := map[string]any{
		"op_id": uuid.NewString(),
		"to":    msg.To,
	}

	if err := msg.Validate(); err != nil {
		debug["validation"] = err.Error()
		o.markFailed(ctx, msg.ID, "malformed-message", debug)
		return
	}

	destination, err := o.resolveDestination(ctx, msg.To)
	if err != nil {
		o.markFailed(ctx, msg.ID, err.Error(), debug)
		return
	}
	debug["destination"] = destination

	waID, err := o.sendWithRecovery(ctx, destination, msg, debug)
	if err != nil {
		o.markFailed(ctx, msg.ID, err.Error(), debug)
		return
	}
	if err := o.api.MarkSent(ctx, msg.ID, waID, debug); err != nil {
		o.log().Errorf("[OUTBOUND] mark-sent failed for message %s: %v", msg.ID, err)
	}
}

func (o *OutboundRunner) markFailed(ctx context.Context, messageID, reason string, debug map[string]any) {
	o.log().Warnf("[OUTBOUND] message %s failed: %s", messageID, reason)
	if err := o.api.MarkFailed(ctx, messageID, reason, debug); err != nil {
		o.log().Errorf("[OUTBOUND] mark-failed failed for message %s: %v", messageID, err)
	}
}

// sendWithRecovery retries sends that failed on a missing signal
// session. Each retry asks the control plane to refresh the session
// first, then backs off and re-resolves the canonical target.
func (o *OutboundRunner) sendWithRecovery(ctx context.Context, destination string, msg instance.QueuedMessage, debug map[string]any) (string, error) {
	maxAttempts := o.cfg.Outbound.MaxSendAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := o.cfg.Outbound.RefreshBackoffMs

	var attempts []map[string]any
	defer func() { debug["attempts"] = attempts }()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		target := o.aliases.ResolveCanonical(destination, "")
		record := map[string]any{"attempt": attempt, "target": target}

		waID, err := o.send.SendQueued(ctx, target, msg)
		if err == nil {
			record["ok"] = true
			attempts = append(attempts, record)
			return waID, nil
		}
		record["error"] = err.Error()
		attempts = append(attempts, record)
		lastErr = err

		if !isNoSessionText(err.Error()) || attempt == maxAttempts {
			return "", err
		}

		if rerr := o.api.RefreshSession(ctx, o.instanceID, target, "no_matching_sessions"); rerr != nil {
			o.log().Warnf("[OUTBOUND] session refresh failed: %v", rerr)
		}
		idx := attempt - 1
		if idx >= len(backoff) {
			idx = len(backoff) - 1
		}
		if idx >= 0 {
			o.sleep(time.Duration(backoff[idx]) * time.Millisecond)
		}
	}
	return "", lastErr
}

var groupDigitsRe = regexp.MustCompile(`^\d+-\d+$`)
var digitsRe = regexp.MustCompile(`^\d+$`)

// normalizeDestination shapes a raw queue destination into a JID.
func normalizeDestination(to string) string {
	to = strings.TrimSpace(to)
	switch {
	case digitsRe.MatchString(to):
		return to + "@s.whatsapp.net"
	case groupDigitsRe.MatchString(to):
		return to + "@g.us"
	default:
		return to
	}
}

// resolveDestination maps the queued "to" field to a sendable JID.
// Hidden-identity addresses need a phone mapping, either from the local
// alias store or from the control plane.
func (o *OutboundRunner) resolveDestination(ctx context.Context, to string) (string, error) {
	dest := normalizeDestination(to)
	if !utils.IsLIDJID(dest) {
		return dest, nil
	}

	if pn := o.aliases.PNForLID(dest); pn != "" {
		return pn, nil
	}

	pn, err := o.api.PrimaryJID(ctx, o.instanceID, dest)
	if err != nil {
		o.log().Warnf("[OUTBOUND] primary JID lookup failed: %v", err)
		return "", fmt.Errorf("lid_without_mapping")
	}
	// Only a phone JID counts as a mapping; anything else the control
	// plane hands back is unusable as a destination.
	if !utils.IsPhoneJID(pn) {
		if pn != "" {
			o.log().Warnf("[OUTBOUND] primary JID lookup returned a non-phone mapping")
		}
		return "", fmt.Errorf("lid_without_mapping")
	}
	if _, aerr := o.aliases.RememberPair(dest, pn); aerr != nil {
		o.log().Warnf("[OUTBOUND] alias persist failed: %v", aerr)
	}
	return pn, nil
}

func (r *Runtime) startOutbound() {
	r.mu.Lock()
	if r.outbound != nil {
		r.mu.Unlock()
		return
	}
	runner := newOutboundRunner(r.ID, r.cfg, r.api, r, r.aliases, func() bool {
		return r.State() == instance.StateOpen
	})
	r.outbound = runner
	r.mu.Unlock()
	runner.start()
}

func (r *Runtime) stopOutbound() {
	r.mu.Lock()
	runner := r.outbound
	r.outbound = nil
	r.mu.Unlock()
	if runner != nil {
		runner.stop()
	}
}
