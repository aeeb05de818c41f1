package whatsapp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/AzielCF/az-relay/domains/instance"
	"github.com/AzielCF/az-relay/pkg/aliasmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, api *fakeEdge, send sender) *OutboundRunner {
	t.Helper()
	aliases := aliasmap.New(filepath.Join(t.TempDir(), "alias.json"))
	r := newOutboundRunner("inst-1", testConfig(t), api, send, aliases, func() bool { return true })
	r.sleep = func(time.Duration) {}
	return r
}

func TestNormalizeDestination(t *testing.T) {
	cases := map[string]string{
		"5215550001":               "5215550001@s.whatsapp.net",
		"1203630000-1617000000":    "1203630000-1617000000@g.us",
		"5215550001@s.whatsapp.net": "5215550001@s.whatsapp.net",
		"98765@g.us":               "98765@g.us",
		"123@lid":                  "123@lid",
		" 5215550001 ":             "5215550001@s.whatsapp.net",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeDestination(in), in)
	}
}

func TestResolveDestinationUsesLocalAlias(t *testing.T) {
	api := &fakeEdge{}
	r := newTestRunner(t, api, &fakeSender{})

	_, err := r.aliases.RememberPair("123@lid", "5215550001@s.whatsapp.net")
	require.NoError(t, err)

	dest, err := r.resolveDestination(context.Background(), "123@lid")
	require.NoError(t, err)
	assert.Equal(t, "5215550001@s.whatsapp.net", dest)
}

func TestResolveDestinationFallsBackToControlPlane(t *testing.T) {
	api := &fakeEdge{primaryJID: map[string]string{"123@lid": "5215550002@s.whatsapp.net"}}
	r := newTestRunner(t, api, &fakeSender{})

	dest, err := r.resolveDestination(context.Background(), "123@lid")
	require.NoError(t, err)
	assert.Equal(t, "5215550002@s.whatsapp.net", dest)

	// The learned pair is kept locally for the next send.
	assert.Equal(t, "5215550002@s.whatsapp.net", r.aliases.PNForLID("123@lid"))
}

func TestResolveDestinationRejectsNonPhoneMapping(t *testing.T) {
	api := &fakeEdge{primaryJID: map[string]string{"123@lid": "999@lid"}}
	r := newTestRunner(t, api, &fakeSender{})

	_, err := r.resolveDestination(context.Background(), "123@lid")
	require.Error(t, err)
	assert.Equal(t, "lid_without_mapping", err.Error())
	// A bogus mapping must not be learned either.
	assert.Empty(t, r.aliases.PNForLID("123@lid"))
}

func TestResolveDestinationLidWithoutMapping(t *testing.T) {
	api := &fakeEdge{primaryJID: map[string]string{}}
	r := newTestRunner(t, api, &fakeSender{})

	_, err := r.resolveDestination(context.Background(), "123@lid")
	require.Error(t, err)
	assert.Equal(t, "lid_without_mapping", err.Error())
}

func TestSendWithRecoveryRefreshesMissingSession(t *testing.T) {
	api := &fakeEdge{}
	var slept []time.Duration
	send := &fakeSender{fn: func(attempt int, destination string) (string, error) {
		if attempt <= 2 {
			return "", errors.New("no matching sessions found for 5215550001@s.whatsapp.net")
		}
		return "WAID-1", nil
	}}
	r := newTestRunner(t, api, send)
	r.sleep = func(d time.Duration) { slept = append(slept, d) }

	debug := map[string]any{}
	waID, err := r.sendWithRecovery(context.Background(), "5215550001@s.whatsapp.net", instance.QueuedMessage{ID: "m1", To: "5215550001", Body: "hi"}, debug)
	require.NoError(t, err)
	assert.Equal(t, "WAID-1", waID)

	// Two failures mean two refresh requests before the third attempt
	// succeeds.
	require.Len(t, api.refreshes, 2)
	assert.Equal(t, "no_matching_sessions", api.refreshes[0].trigger)
	assert.Equal(t, []time.Duration{time.Millisecond, time.Millisecond}, slept)

	attempts, ok := debug["attempts"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, attempts, 3)
}

func TestSendWithRecoveryGivesUpAfterMaxAttempts(t *testing.T) {
	api := &fakeEdge{}
	send := &fakeSender{fn: func(int, string) (string, error) {
		return "", errors.New("no matching sessions found")
	}}
	r := newTestRunner(t, api, send)

	_, err := r.sendWithRecovery(context.Background(), "5215550001@s.whatsapp.net", instance.QueuedMessage{ID: "m1", To: "x", Body: "hi"}, map[string]any{})
	require.Error(t, err)
	assert.Len(t, send.calls, 4)
	// No refresh after the final attempt.
	assert.Len(t, api.refreshes, 3)
}

func TestSendWithRecoveryDoesNotRetryOtherErrors(t *testing.T) {
	api := &fakeEdge{}
	send := &fakeSender{fn: func(int, string) (string, error) {
		return "", errors.New("websocket disconnected")
	}}
	r := newTestRunner(t, api, send)

	_, err := r.sendWithRecovery(context.Background(), "5215550001@s.whatsapp.net", instance.QueuedMessage{ID: "m1", To: "x", Body: "hi"}, map[string]any{})
	require.Error(t, err)
	assert.Len(t, send.calls, 1)
	assert.Empty(t, api.refreshes)
}

func TestTickIsolatesPerMessageFailures(t *testing.T) {
	api := &fakeEdge{queued: []instance.QueuedMessage{
		{ID: "m1", To: ""}, // invalid, no destination
		{ID: "m2", To: "5215550001", Body: "hi"},
	}}
	send := &fakeSender{fn: func(int, string) (string, error) { return "WAID-2", nil }}
	r := newTestRunner(t, api, send)

	r.tick(context.Background())

	require.Len(t, api.failed, 1)
	assert.Equal(t, "m1", api.failed[0].messageID)
	assert.Equal(t, "malformed-message", api.failed[0].reason)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "m2", api.sent[0].messageID)
	assert.Equal(t, "WAID-2", api.sent[0].waMessageID)
}

func TestTickSkipsWhileClosed(t *testing.T) {
	api := &fakeEdge{queued: []instance.QueuedMessage{{ID: "m1", To: "123", Body: "hi"}}}
	send := &fakeSender{fn: func(int, string) (string, error) { return "", errors.New("unexpected send") }}
	aliases := aliasmap.New(filepath.Join(t.TempDir(), "alias.json"))
	r := newOutboundRunner("inst-1", testConfig(t), api, send, aliases, func() bool { return false })

	r.tick(context.Background())
	assert.Empty(t, send.calls)
	assert.Empty(t, api.failed)
}

func TestTickReentrancyGuard(t *testing.T) {
	api := &fakeEdge{queued: []instance.QueuedMessage{{ID: "m1", To: "123", Body: "hi"}}}
	send := &fakeSender{fn: func(int, string) (string, error) { return "WAID", nil }}
	r := newTestRunner(t, api, send)

	r.processing.Store(true)
	r.tick(context.Background())
	assert.Empty(t, api.sent)
}
