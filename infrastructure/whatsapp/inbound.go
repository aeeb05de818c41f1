package whatsapp

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"time"

	"github.com/AzielCF/az-relay/integrations/edge"
	"github.com/AzielCF/az-relay/pkg/utils"
	"github.com/dustin/go-humanize"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// extractedContent is the normalized view of an incoming message.
type extractedContent struct {
	mediaType string
	body      string
	media     whatsmeow.DownloadableMessage
	mimeType  string
	fileName  string
}

// extractContent picks the first supported payload out of a message, in
// a fixed precedence order.
func extractContent(msg *waE2E.Message) extractedContent {
	if msg == nil {
		return extractedContent{}
	}
	switch {
	case msg.GetConversation() != "":
		return extractedContent{body: msg.GetConversation()}
	case msg.GetExtendedTextMessage().GetText() != "":
		return extractedContent{body: msg.GetExtendedTextMessage().GetText()}
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return extractedContent{mediaType: "image", body: m.GetCaption(), media: m, mimeType: m.GetMimetype()}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return extractedContent{mediaType: "video", body: m.GetCaption(), media: m, mimeType: m.GetMimetype()}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return extractedContent{mediaType: "audio", media: m, mimeType: m.GetMimetype()}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return extractedContent{mediaType: "document", body: m.GetCaption(), media: m, mimeType: m.GetMimetype(), fileName: m.GetFileName()}
	default:
		return extractedContent{}
	}
}

var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
}

var mediaTypeExtensions = map[string]string{
	"image":    ".jpg",
	"video":    ".mp4",
	"audio":    ".ogg",
	"document": ".bin",
}

// buildInboundFileName produces a safe filename for uploaded media,
// inferring an extension from the mime type when the sender gave none.
func buildInboundFileName(mediaType, mimeType, origName, messageID string) string {
	base := strings.TrimSpace(origName)
	if base == "" {
		base = mediaType + "-" + messageID
	}
	if filepath.Ext(base) == "" {
		mime := mimeType
		if i := strings.IndexByte(mime, ';'); i >= 0 {
			mime = mime[:i]
		}
		ext, ok := mimeExtensions[strings.TrimSpace(mime)]
		if !ok {
			ext = mediaTypeExtensions[mediaType]
		}
		base += ext
	}
	return utils.SanitizeFilename(base)
}

// handleInbound relays one incoming message to the control plane.
func (r *Runtime) handleInbound(ctx context.Context, evt *events.Message) {
	info := evt.Info
	chatRaw := info.Chat.ToNonAD().String()
	if chatRaw == "" || strings.HasSuffix(chatRaw, "@broadcast") || strings.HasPrefix(chatRaw, "status@") {
		return
	}

	r.learnAliasPair(ctx, info.Sender)

	content := extractContent(evt.Message)
	if content.body == "" && content.mediaType == "" {
		return
	}

	ownJID := r.ownJID()
	isGroup := utils.IsGroupJID(chatRaw)
	fromMe := info.IsFromMe

	senderRaw := chatRaw
	if isGroup {
		senderRaw = info.Sender.ToNonAD().String()
	} else if fromMe {
		senderRaw = ownJID
	}
	senderPN := r.pnForJID(ctx, info.Sender)

	// In a direct chat the sender's phone JID also canonicalizes the
	// chat ID.
	chatFallback := ""
	if !isGroup && !fromMe {
		chatFallback = senderPN
	}

	payload := edge.InboundMessage{
		InstanceID:   r.ID,
		Body:         content.body,
		WaMessageID:  string(info.ID),
		FromMe:       fromMe,
		ChatIDNorm:   r.aliases.ResolveCanonical(chatRaw, chatFallback),
		SenderJidRaw: senderRaw,
		SenderPN:     senderPN,
		PushName:     info.PushName,
	}
	if fromMe {
		payload.From = ownJID
		payload.To = chatRaw
	} else {
		payload.From = chatRaw
		payload.To = ownJID
	}

	if content.media != nil {
		r.mu.Lock()
		client := r.client
		r.mu.Unlock()
		if client == nil {
			return
		}
		data, err := client.Download(ctx, content.media)
		if err != nil {
			r.log().Errorf("[INBOUND] media download failed for %s: %v", info.ID, err)
			return
		}
		fileName := buildInboundFileName(content.mediaType, content.mimeType, content.fileName, string(info.ID))
		mediaURL, err := r.api.UploadMedia(ctx, edge.MediaUpload{
			InstanceID:  r.ID,
			MessageID:   string(info.ID),
			MimeType:    content.mimeType,
			FileName:    fileName,
			BytesBase64: base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			// Without the stored media the record would be useless,
			// skip the whole message rather than relay a broken one.
			r.log().Errorf("[INBOUND] media upload failed for %s, skipping message: %v", info.ID, err)
			return
		}
		payload.MediaType = content.mediaType
		payload.MediaURL = mediaURL
		payload.MimeType = content.mimeType
		payload.FileName = fileName
		payload.FileSize = int64(len(data))
		r.log().Debugf("[INBOUND] relayed %s media (%s)", content.mediaType, humanize.Bytes(uint64(len(data))))
	}

	if !fromMe {
		contactJID := senderPN
		if contactJID == "" {
			contactJID = senderRaw
		}
		// In groups this attributes the contact to the sender, not
		// the group itself.
		payload.SenderContactID = r.resolveContact(ctx, contactJID, info.PushName)
	}

	if err := r.api.PostInbound(ctx, payload); err != nil {
		r.log().Errorf("[INBOUND] relay failed for %s: %v", info.ID, err)
	}
}

func (r *Runtime) ownJID() string {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil || client.Store == nil || client.Store.ID == nil {
		return ""
	}
	return client.Store.ID.ToNonAD().String()
}

// learnAliasPair records the hidden-identity mapping for a sender when
// the device store knows both sides.
func (r *Runtime) learnAliasPair(ctx context.Context, sender types.JID) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil || client.Store == nil {
		return
	}

	jid := sender.ToNonAD()
	switch jid.Server {
	case types.HiddenUserServer:
		pn, err := client.Store.LIDs.GetPNForLID(ctx, jid)
		if err != nil || pn.IsEmpty() {
			return
		}
		r.rememberAlias(jid.String(), pn.ToNonAD().String())
	case types.DefaultUserServer:
		lid, err := client.Store.LIDs.GetLIDForPN(ctx, jid)
		if err != nil || lid.IsEmpty() {
			return
		}
		r.rememberAlias(lid.ToNonAD().String(), jid.String())
	}
}

func (r *Runtime) rememberAlias(lid, pn string) {
	changed, err := r.aliases.RememberPair(lid, pn)
	if err != nil {
		r.log().Warnf("[INBOUND] alias persist failed: %v", err)
		return
	}
	if changed {
		r.log().Debug("[INBOUND] learned new identity alias pair")
	}
}

// pnForJID returns the phone-number JID for a sender when one is known.
func (r *Runtime) pnForJID(ctx context.Context, sender types.JID) string {
	jid := sender.ToNonAD()
	switch jid.Server {
	case types.DefaultUserServer:
		return jid.String()
	case types.HiddenUserServer:
		if pn := r.aliases.PNForLID(jid.String()); pn != "" {
			return pn
		}
		r.mu.Lock()
		client := r.client
		r.mu.Unlock()
		if client == nil || client.Store == nil {
			return ""
		}
		pn, err := client.Store.LIDs.GetPNForLID(ctx, jid)
		if err != nil || pn.IsEmpty() {
			return ""
		}
		return pn.ToNonAD().String()
	default:
		return ""
	}
}

// resolveContact maps a JID to a control-plane contact ID, with
// per-outcome cooldowns so a flapping resolver does not get hammered.
func (r *Runtime) resolveContact(ctx context.Context, jid, pushName string) string {
	key := r.ID + "|" + jid
	if id, ok := r.contacts.Get(key); ok {
		return id
	}

	jidType := "pn"
	switch {
	case utils.IsLIDJID(jid):
		jidType = "lid"
	case utils.IsGroupJID(jid):
		jidType = "group"
	}

	id, err := r.api.ResolveContact(ctx, r.ID, jid, jidType, pushName)
	if err != nil {
		if edge.IsDuplicateConflict(err) {
			// Another worker inserted the row first; back off longer
			// since retrying will keep colliding.
			r.contacts.Put(key, "", time.Duration(r.cfg.Contacts.DuplicateCooldownMs)*time.Millisecond)
			r.log().Debugf("[INBOUND] contact already exists, cooling down resolution")
		} else {
			r.contacts.Put(key, "", time.Duration(r.cfg.Contacts.ErrorCooldownMs)*time.Millisecond)
			r.log().Errorf("[INBOUND] contact resolution failed: %v", err)
		}
		return ""
	}
	r.contacts.Put(key, id, time.Duration(r.cfg.Contacts.SuccessCooldownMs)*time.Millisecond)
	return id
}
