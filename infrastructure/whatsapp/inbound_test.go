package whatsapp

import (
	"context"
	"testing"

	"github.com/AzielCF/az-relay/integrations/edge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestExtractContentPrecedence(t *testing.T) {
	// Plain conversation text wins over anything else in the envelope.
	msg := &waE2E.Message{
		Conversation: proto.String("plain text"),
		ImageMessage: &waE2E.ImageMessage{Caption: proto.String("caption")},
	}
	got := extractContent(msg)
	assert.Equal(t, "plain text", got.body)
	assert.Empty(t, got.mediaType)

	msg = &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked text")},
	}
	assert.Equal(t, "linked text", extractContent(msg).body)
}

func TestExtractContentMediaKinds(t *testing.T) {
	img := extractContent(&waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:  proto.String("look"),
			Mimetype: proto.String("image/jpeg"),
		},
	})
	assert.Equal(t, "image", img.mediaType)
	assert.Equal(t, "look", img.body)
	assert.Equal(t, "image/jpeg", img.mimeType)
	assert.NotNil(t, img.media)

	audio := extractContent(&waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus")},
	})
	assert.Equal(t, "audio", audio.mediaType)
	assert.Empty(t, audio.body)

	doc := extractContent(&waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			FileName: proto.String("report.pdf"),
			Mimetype: proto.String("application/pdf"),
		},
	})
	assert.Equal(t, "document", doc.mediaType)
	assert.Equal(t, "report.pdf", doc.fileName)
}

func TestExtractContentUnsupported(t *testing.T) {
	got := extractContent(&waE2E.Message{})
	assert.Empty(t, got.body)
	assert.Empty(t, got.mediaType)

	got = extractContent(nil)
	assert.Empty(t, got.body)
}

func TestBuildInboundFileName(t *testing.T) {
	// Sender-provided name with extension is kept, sanitized.
	assert.Equal(t, "my_report.pdf", buildInboundFileName("document", "application/pdf", "my report.pdf", "MSG1"))

	// Missing name falls back to type and message ID, extension from mime.
	assert.Equal(t, "image-MSG1.jpg", buildInboundFileName("image", "image/jpeg", "", "MSG1"))

	// Mime parameters do not break extension inference.
	assert.Equal(t, "audio-MSG1.ogg", buildInboundFileName("audio", "audio/ogg; codecs=opus", "", "MSG1"))

	// Unknown mime uses the per-type default.
	assert.Equal(t, "video-MSG1.mp4", buildInboundFileName("video", "video/x-weird", "", "MSG1"))
	assert.Equal(t, "document-MSG1.bin", buildInboundFileName("document", "", "", "MSG1"))
}

func TestResolveContactCachesSuccess(t *testing.T) {
	api := &fakeEdge{resolveID: "contact-1"}
	rt := newRuntime("inst-1", 0, testConfig(t), api, &fakeHooks{})

	got := rt.resolveContact(context.Background(), "5215550001@s.whatsapp.net", "Ana")
	assert.Equal(t, "contact-1", got)

	// Second resolution is served from the cache.
	got = rt.resolveContact(context.Background(), "5215550001@s.whatsapp.net", "Ana")
	assert.Equal(t, "contact-1", got)
	assert.Equal(t, 1, api.resolveCalls)
}

func TestResolveContactDuplicateConflictCoolsDown(t *testing.T) {
	api := &fakeEdge{resolveErr: &edge.APIError{
		StatusCode: 500,
		Body:       `duplicate key value violates unique constraint "contacts_instance_id_jid_key"`,
	}}
	rt := newRuntime("inst-1", 0, testConfig(t), api, &fakeHooks{})

	assert.Empty(t, rt.resolveContact(context.Background(), "123@lid", ""))
	assert.Empty(t, rt.resolveContact(context.Background(), "123@lid", ""))
	// The negative entry absorbs the second call.
	assert.Equal(t, 1, api.resolveCalls)
}

func TestResolveContactErrorCoolsDown(t *testing.T) {
	api := &fakeEdge{resolveErr: &edge.APIError{StatusCode: 503, Body: "unavailable"}}
	rt := newRuntime("inst-1", 0, testConfig(t), api, &fakeHooks{})

	assert.Empty(t, rt.resolveContact(context.Background(), "5215550001@s.whatsapp.net", ""))
	assert.Empty(t, rt.resolveContact(context.Background(), "5215550001@s.whatsapp.net", ""))
	require.Equal(t, 1, api.resolveCalls)
}
