// Package edge is the typed HTTP client for the control plane. Every
// worker interaction with the outside world except the WhatsApp socket
// itself goes through here.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AzielCF/az-relay/domains/instance"
	"github.com/sirupsen/logrus"
)

const maxErrorBody = 8192

// Client talks to the control plane with bearer auth and a fixed
// per-request timeout. It is stateless and safe for concurrent use.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient builds a client for the given base URL. A trailing /inbound
// segment (the URL shape some deployments hand over) is stripped.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(baseURL), "/"), "/inbound")
	return &Client{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LockResult is the control plane's answer to any lock operation.
type LockResult struct {
	Acquired bool   `json:"acquired"`
	Owner    string `json:"instance_owner"`
	Token    string `json:"lock_token"`
}

// InboundMessage is the payload posted for each relayed message.
type InboundMessage struct {
	InstanceID      string `json:"instanceId"`
	From            string `json:"from"`
	To              string `json:"to"`
	Body            string `json:"body"`
	WaMessageID     string `json:"wa_message_id"`
	FromMe          bool   `json:"from_me"`
	ChatIDNorm      string `json:"chat_id_norm"`
	SenderJidRaw    string `json:"sender_jid_raw"`
	SenderPN        string `json:"sender_pn,omitempty"`
	SenderContactID string `json:"sender_contact_id,omitempty"`
	PushName        string `json:"push_name,omitempty"`
	MediaType       string `json:"media_type,omitempty"`
	MediaURL        string `json:"media_url,omitempty"`
	MimeType        string `json:"mime_type,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	FileSize        int64  `json:"file_size,omitempty"`
}

// MediaUpload carries inbound media to the control plane as base64.
type MediaUpload struct {
	InstanceID  string `json:"instanceId"`
	MessageID   string `json:"messageId"`
	MimeType    string `json:"mime_type"`
	FileName    string `json:"file_name"`
	BytesBase64 string `json:"bytes_base64"`
}

// GetSettings fetches the worker settings document.
func (c *Client) GetSettings(ctx context.Context) (*instance.Settings, error) {
	var out instance.Settings
	if err := c.jsonRequest(ctx, http.MethodGet, "/worker-settings", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEligible fetches enabled instances ordered by priority.
func (c *Client) ListEligible(ctx context.Context, limit int) ([]instance.Eligible, error) {
	q := url.Values{}
	q.Set("enabled", "true")
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("order", "priority.desc")

	var out struct {
		Instances []instance.Eligible `json:"instances"`
	}
	if err := c.jsonRequest(ctx, http.MethodGet, "/eligible-instances", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// UpdateStatus posts the session status. Fire-and-forget: failures are
// logged, never propagated, so status reporting cannot break a session.
func (c *Client) UpdateStatus(ctx context.Context, instanceID, status, qrCode string) {
	body := map[string]any{"instanceId": instanceID, "status": status}
	if qrCode != "" {
		body["qr_code"] = qrCode
	}
	if err := c.jsonRequest(ctx, http.MethodPost, "/update-status", nil, body, nil); err != nil {
		logrus.WithError(err).WithField("instance_id", instanceID).Errorf("[EDGE] failed to update status to %s", status)
	}
}

// ListQueued fetches the pending outbound messages for a session.
func (c *Client) ListQueued(ctx context.Context, instanceID string) ([]instance.QueuedMessage, error) {
	q := url.Values{}
	q.Set("instanceId", instanceID)

	var out []instance.QueuedMessage
	if err := c.jsonRequest(ctx, http.MethodGet, "/queued-messages", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSent confirms a queued message as delivered.
func (c *Client) MarkSent(ctx context.Context, messageID, waMessageID string, sendDebug map[string]any) error {
	body := map[string]any{
		"messageId":     messageID,
		"wa_message_id": waMessageID,
		"send_debug":    sendDebug,
	}
	return c.jsonRequest(ctx, http.MethodPost, "/mark-sent", nil, body, nil)
}

// MarkFailed reports a queued message as undeliverable. Best-effort.
func (c *Client) MarkFailed(ctx context.Context, messageID, reason string, sendDebug map[string]any) error {
	body := map[string]any{
		"messageId":  messageID,
		"error":      reason,
		"send_debug": sendDebug,
	}
	return c.jsonRequest(ctx, http.MethodPost, "/mark-failed", nil, body, nil)
}

// PostInbound relays one received message.
func (c *Client) PostInbound(ctx context.Context, msg InboundMessage) error {
	return c.jsonRequest(ctx, http.MethodPost, "/inbound", nil, msg, nil)
}

// ResolveContact asks the control plane for (or creates) the contact id
// behind a JID.
func (c *Client) ResolveContact(ctx context.Context, instanceID, jid, jidType, pushName string) (string, error) {
	body := map[string]any{
		"instanceId": instanceID,
		"jid":        jid,
		"jid_type":   jidType,
		"push_name":  pushName,
	}
	var out struct {
		ContactID string `json:"contact_id"`
	}
	if err := c.jsonRequest(ctx, http.MethodPost, "/contacts/resolve", nil, body, &out); err != nil {
		return "", err
	}
	return out.ContactID, nil
}

// PrimaryJID maps a @lid to its phone JID, or "" when unmapped.
func (c *Client) PrimaryJID(ctx context.Context, instanceID, jid string) (string, error) {
	q := url.Values{}
	q.Set("instanceId", instanceID)
	q.Set("jid", jid)

	var out struct {
		JidPN string `json:"jid_pn"`
	}
	if err := c.jsonRequest(ctx, http.MethodGet, "/contacts/primary-jid", q, nil, &out); err != nil {
		return "", err
	}
	return out.JidPN, nil
}

// UploadMedia ships inbound media bytes and returns the stored URL.
func (c *Client) UploadMedia(ctx context.Context, upload MediaUpload) (string, error) {
	var out struct {
		MediaURL string `json:"media_url"`
	}
	if err := c.jsonRequest(ctx, http.MethodPost, "/upload-media", nil, upload, &out); err != nil {
		return "", err
	}
	return out.MediaURL, nil
}

// RefreshSession asks the control plane to rebuild the signal session
// for a JID after decryption trouble.
func (c *Client) RefreshSession(ctx context.Context, instanceID, jid, trigger string) error {
	body := map[string]any{"instanceId": instanceID, "jid": jid, "trigger": trigger}
	return c.jsonRequest(ctx, http.MethodPost, "/sessions/refresh", nil, body, nil)
}

// AcquireLock claims the distributed lock for a session.
func (c *Client) AcquireLock(ctx context.Context, instanceID, owner string, ttlMs int) (LockResult, error) {
	return c.lockOp(ctx, "acquire", instanceID, owner, "", ttlMs)
}

// RenewLock extends a held lock.
func (c *Client) RenewLock(ctx context.Context, instanceID, owner, token string, ttlMs int) (LockResult, error) {
	return c.lockOp(ctx, "renew", instanceID, owner, token, ttlMs)
}

// ReleaseLock gives a held lock back.
func (c *Client) ReleaseLock(ctx context.Context, instanceID, owner, token string) error {
	_, err := c.lockOp(ctx, "release", instanceID, owner, token, 0)
	return err
}

func (c *Client) lockOp(ctx context.Context, op, instanceID, owner, token string, ttlMs int) (LockResult, error) {
	body := map[string]any{
		"instanceId":     instanceID,
		"instance_owner": owner,
	}
	if ttlMs > 0 {
		body["ttl_ms"] = ttlMs
	}
	if token != "" {
		body["lock_token"] = token
	}

	var out LockResult
	err := c.jsonRequest(ctx, http.MethodPost, "/instance-lock/"+op, nil, body, &out)
	return out, err
}

// jsonRequest unifies request creation, execution and decoding.
func (c *Client) jsonRequest(ctx context.Context, method, path string, query url.Values, body any, dest any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if dest != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			return json.Unmarshal(data, dest)
		}
	}
	return nil
}
