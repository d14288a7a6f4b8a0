package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame is one decoded client frame. It is either a TextFrame or an ImageFrame.
type Frame interface {
	Kind() Kind
	Author() string
}

// TextFrame asks the server to persist and broadcast a text message.
type TextFrame struct {
	Username string
	Message  string
}

// Kind implements Frame.
func (TextFrame) Kind() Kind { return KindText }

// Author implements Frame.
func (f TextFrame) Author() string { return f.Username }

// ImageFrame relays an image that the upload path already persisted.
type ImageFrame struct {
	Username  string
	ImageURL  string
	MessageID *uint
}

// Kind implements Frame.
func (ImageFrame) Kind() Kind { return KindImage }

// Author implements Frame.
func (f ImageFrame) Author() string { return f.Username }

type rawFrame struct {
	MessageType *string `json:"message_type"`
	Username    *string `json:"username"`
	Message     *string `json:"message"`
	ImageURL    *string `json:"image_url"`
	MessageID   *uint   `json:"message_id"`
}

// ParseFrame decodes a client frame. message_type defaults to "text". Every
// failure wraps ErrProtocol.
func ParseFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	kind := KindText
	if raw.MessageType != nil && *raw.MessageType != "" {
		kind = Kind(*raw.MessageType)
	}

	username := ""
	if raw.Username != nil {
		username = strings.TrimSpace(*raw.Username)
	}
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrProtocol)
	}

	switch kind {
	case KindText:
		if raw.Message == nil {
			return nil, fmt.Errorf("%w: message is required", ErrProtocol)
		}
		return TextFrame{Username: username, Message: *raw.Message}, nil
	case KindImage:
		if raw.ImageURL == nil || *raw.ImageURL == "" {
			return nil, fmt.Errorf("%w: image_url is required", ErrProtocol)
		}
		return ImageFrame{Username: username, ImageURL: *raw.ImageURL, MessageID: raw.MessageID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message_type %q", ErrProtocol, kind)
	}
}
