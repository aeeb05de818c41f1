package whatsapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AzielCF/az-relay/domains/instance"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

const maxMediaDownload = 64 << 20

// Deadlines come from the caller's context so the budget stays
// configurable per deployment.
var mediaClient = &http.Client{}

// SendQueued delivers one queued message to the given destination JID
// and returns the resulting WhatsApp message ID.
func (r *Runtime) SendQueued(ctx context.Context, destination string, msg instance.QueuedMessage) (string, error) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return "", fmt.Errorf("session is not connected")
	}

	jid, err := parseDestinationJID(destination)
	if err != nil {
		return "", fmt.Errorf("parse destination: %w", err)
	}

	var message *waE2E.Message
	if msg.MediaURL == "" {
		message = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String(msg.Body)},
		}
	} else {
		dctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.Whatsapp.MediaTimeoutMs)*time.Millisecond)
		data, err := downloadMediaBytes(dctx, msg.MediaURL)
		cancel()
		if err != nil {
			return "", fmt.Errorf("fetch media: %w", err)
		}
		message, err = buildMediaMessage(ctx, client, data, msg)
		if err != nil {
			return "", err
		}
	}

	resp, err := client.SendMessage(ctx, jid, message)
	if err != nil {
		r.noteBadMac(err.Error())
		return "", err
	}
	return string(resp.ID), nil
}

// parseDestinationJID accepts either a full JID or a bare phone number.
func parseDestinationJID(destination string) (types.JID, error) {
	if !strings.ContainsRune(destination, '@') {
		return types.NewJID(destination, types.DefaultUserServer), nil
	}
	return types.ParseJID(destination)
}

func downloadMediaBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := mediaClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("media download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMediaDownload))
}

// buildMediaMessage uploads the media blob and wraps it in the message
// type matching the queued media kind.
func buildMediaMessage(ctx context.Context, client *whatsmeow.Client, data []byte, msg instance.QueuedMessage) (*waE2E.Message, error) {
	kind := msg.MediaType
	if kind == "" {
		kind = kindFromMime(msg.MimeType)
	}

	switch kind {
	case "image":
		uploaded, err := client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("upload image: %w", err)
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(msg.Body),
			Mimetype:      proto.String(defaultMime(msg.MimeType, "image/jpeg")),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil
	case "video":
		uploaded, err := client.Upload(ctx, data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, fmt.Errorf("upload video: %w", err)
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(msg.Body),
			Mimetype:      proto.String(defaultMime(msg.MimeType, "video/mp4")),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil
	case "audio":
		uploaded, err := client.Upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, fmt.Errorf("upload audio: %w", err)
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(defaultMime(msg.MimeType, "audio/ogg")),
			PTT:           proto.Bool(false),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil
	default:
		uploaded, err := client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, fmt.Errorf("upload document: %w", err)
		}
		fileName := msg.FileName
		if fileName == "" {
			fileName = "document-" + msg.ID
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(msg.Body),
			FileName:      proto.String(fileName),
			Mimetype:      proto.String(defaultMime(msg.MimeType, "application/octet-stream")),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil
	}
}

func kindFromMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

func defaultMime(mimeType, fallback string) string {
	if mimeType == "" {
		return fallback
	}
	return mimeType
}
