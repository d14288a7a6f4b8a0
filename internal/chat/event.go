package chat

import (
	"encoding/json"
	"time"
)

// Event is what the broadcast bus delivers to every member of a group and what
// each session writes to its client.
type Event struct {
	MessageID *uint
	Username  string
	Kind      Kind
	Timestamp time.Time
	Message   string
	ImageURL  string
}

type wireEvent struct {
	MessageID *uint  `json:"message_id"`
	Username  string `json:"username"`
	Kind      Kind   `json:"message_type"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	ImageURL  string `json:"image_url,omitempty"`
}

// MarshalJSON renders the server-to-client frame. image_url is only emitted
// for image events and message is always present.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		MessageID: e.MessageID,
		Username:  e.Username,
		Kind:      e.Kind,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Message:   e.Message,
	}
	if e.Kind == KindImage {
		w.Message = ""
		w.ImageURL = e.ImageURL
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses a server-to-client frame; used by clients and tests.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return err
	}
	*e = Event{
		MessageID: w.MessageID,
		Username:  w.Username,
		Kind:      w.Kind,
		Timestamp: ts,
		Message:   w.Message,
		ImageURL:  w.ImageURL,
	}
	return nil
}

// TextEvent builds the broadcast for a persisted text message.
func TextEvent(m *Message) Event {
	id := m.ID
	content := ""
	if m.Content != nil {
		content = *m.Content
	}
	return Event{
		MessageID: &id,
		Username:  m.User.Username,
		Kind:      KindText,
		Timestamp: m.CreatedAt,
		Message:   content,
	}
}

// ImageEvent builds the broadcast for a persisted image message.
func ImageEvent(m *Message, imageURL string) Event {
	id := m.ID
	return Event{
		MessageID: &id,
		Username:  m.User.Username,
		Kind:      KindImage,
		Timestamp: m.CreatedAt,
		ImageURL:  imageURL,
	}
}
