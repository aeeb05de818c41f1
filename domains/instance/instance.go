package instance

import (
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Status values reported to the control plane.
const (
	StatusConnecting   = "CONNECTING"
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// ConnectionState is the lifecycle position of a governed session.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateWipedPendingRestart
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateWipedPendingRestart:
		return "wiped_pending_restart"
	default:
		return "unknown"
	}
}

// Eligible is one row of the control plane's eligible-instances listing.
type Eligible struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
}

// Settings is the worker-settings document. MaxActiveInstances is a
// pointer so "unset" can be told apart from zero.
type Settings struct {
	MaxActiveInstances *int `json:"max_active_instances"`
}

// QueuedMessage is one outbound message pulled from the control plane.
type QueuedMessage struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	Body      string `json:"body,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
}

var errNoContent = errors.New("either body or media_url is required")

// Validate rejects records that cannot possibly be sent.
func (m QueuedMessage) Validate() error {
	if err := validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required),
		validation.Field(&m.To, validation.Required),
	); err != nil {
		return err
	}
	if m.Body == "" && m.MediaURL == "" {
		return errNoContent
	}
	return nil
}
