package chat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	t.Run("text frame", func(t *testing.T) {
		f, err := ParseFrame([]byte(`{"message_type":"text","username":"alice","message":"hi"}`))
		require.NoError(t, err)
		assert.Equal(t, TextFrame{Username: "alice", Message: "hi"}, f)
	})

	t.Run("message_type defaults to text", func(t *testing.T) {
		f, err := ParseFrame([]byte(`{"username":"bob","message":"hey"}`))
		require.NoError(t, err)
		assert.Equal(t, KindText, f.Kind())
		assert.Equal(t, "bob", f.Author())
	})

	t.Run("image frame", func(t *testing.T) {
		f, err := ParseFrame([]byte(`{"message_type":"image","username":"alice","image_url":"http://x/y.png","message_id":7}`))
		require.NoError(t, err)
		img, ok := f.(ImageFrame)
		require.True(t, ok)
		require.NotNil(t, img.MessageID)
		assert.Equal(t, uint(7), *img.MessageID)
		assert.Equal(t, "http://x/y.png", img.ImageURL)
	})

	t.Run("image frame without message id", func(t *testing.T) {
		f, err := ParseFrame([]byte(`{"message_type":"image","username":"alice","image_url":"http://x/y.png"}`))
		require.NoError(t, err)
		assert.Nil(t, f.(ImageFrame).MessageID)
	})
}

func TestParseFrameRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":      `{"username":`,
		"missing username":  `{"message":"hi"}`,
		"blank username":    `{"username":"  ","message":"hi"}`,
		"missing message":   `{"username":"alice"}`,
		"unknown kind":      `{"message_type":"video","username":"alice"}`,
		"image without url": `{"message_type":"image","username":"alice"}`,
		"wrong field type":  `{"username":"alice","message":"hi","message_id":"x"}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFrame([]byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
		})
	}
}

func TestEventWireFormat(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	id := uint(12)

	t.Run("text event", func(t *testing.T) {
		data, err := json.Marshal(Event{MessageID: &id, Username: "alice", Kind: KindText, Timestamp: ts, Message: "hi"})
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, float64(12), got["message_id"])
		assert.Equal(t, "alice", got["username"])
		assert.Equal(t, "text", got["message_type"])
		assert.Equal(t, "hi", got["message"])
		assert.Equal(t, "2024-03-01T10:00:00Z", got["timestamp"])
		assert.NotContains(t, got, "image_url")
	})

	t.Run("image event always carries an empty message", func(t *testing.T) {
		data, err := json.Marshal(Event{Username: "bob", Kind: KindImage, Timestamp: ts, Message: "ignored", ImageURL: "http://h/i.png"})
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Nil(t, got["message_id"])
		assert.Contains(t, got, "message_id")
		assert.Equal(t, "", got["message"])
		assert.Equal(t, "http://h/i.png", got["image_url"])
	})

	t.Run("round trip", func(t *testing.T) {
		in := Event{MessageID: &id, Username: "alice", Kind: KindText, Timestamp: ts, Message: "hi"}
		data, err := json.Marshal(in)
		require.NoError(t, err)
		var out Event
		require.NoError(t, json.Unmarshal(data, &out))
		assert.True(t, in.Timestamp.Equal(out.Timestamp))
		assert.Equal(t, in.Message, out.Message)
		assert.Equal(t, *in.MessageID, *out.MessageID)
	})
}
