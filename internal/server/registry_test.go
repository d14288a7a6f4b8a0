package server

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// TestRegistryRegisterDeregister covers the basic membership contract.
func TestRegistryRegisterDeregister(t *testing.T) {
	r := NewRegistry()
	a, b := &recordingMember{}, &recordingMember{}

	require.NoError(t, r.Register("a", "chat_general", a))
	require.NoError(t, r.Register("b", "chat_general", b))

	assert.Equal(t, []string{"a", "b"}, r.IDsOf("chat_general"))
	assert.Equal(t, []Member{a, b}, r.MembersOf("chat_general"), "members come back in registration order")

	group, ok := r.GroupOf("a")
	assert.True(t, ok)
	assert.Equal(t, "chat_general", group)

	t.Run("Registering twice fails", func(t *testing.T) {
		err := r.Register("a", "chat_other", a)
		assert.True(t, errors.Is(err, chat.ErrAlreadyRegistered))
		assert.Empty(t, r.IDsOf("chat_other"))
	})

	t.Run("Deregister removes and is idempotent", func(t *testing.T) {
		assert.True(t, r.Deregister("a"))
		assert.False(t, r.Deregister("a"))
		assert.Equal(t, []string{"b"}, r.IDsOf("chat_general"))

		_, ok := r.GroupOf("a")
		assert.False(t, ok)
	})

	t.Run("Deregister of unknown connection is a no-op", func(t *testing.T) {
		assert.False(t, r.Deregister("never-registered"))
	})

	t.Run("Re-register after deregister", func(t *testing.T) {
		require.NoError(t, r.Register("a", "chat_other", a))
		assert.Equal(t, []string{"a"}, r.IDsOf("chat_other"))
	})
}

// TestRegistryPrunesEmptyGroups verifies that groups without members or
// in-flight publishes are dropped.
func TestRegistryPrunesEmptyGroups(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("a", "chat_x", &recordingMember{}))
	assert.Equal(t, 1, r.GroupCount())

	g := r.acquire("chat_x")
	require.NotNil(t, g)

	r.Deregister("a")
	assert.Equal(t, 1, r.GroupCount(), "pinned group must survive until released")

	require.NoError(t, r.Register("b", "chat_x", &recordingMember{}))
	assert.Len(t, r.snapshot(g), 1, "a register during a pin lands in the pinned group")

	r.release(g)
	assert.Equal(t, 1, r.GroupCount())

	r.Deregister("b")
	assert.Equal(t, 0, r.GroupCount())
	assert.Nil(t, r.acquire("chat_x"))
}

// TestRegistryConcurrentChurn checks that membership is never lost or
// duplicated under concurrent register/deregister across groups.
func TestRegistryConcurrentChurn(t *testing.T) {
	r := NewRegistry()

	const (
		workers = 16
		rounds  = 200
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			groupKey := fmt.Sprintf("chat_%d", w%4)
			for i := 0; i < rounds; i++ {
				id := fmt.Sprintf("conn-%d-%d", w, i)
				if err := r.Register(id, groupKey, &recordingMember{}); err != nil {
					t.Errorf("register %s: %v", id, err)
					return
				}
				if !contains(r.IDsOf(groupKey), id) {
					t.Errorf("registered connection %s missing from %s", id, groupKey)
				}
				if i%2 == 0 {
					r.Deregister(id)
					if contains(r.IDsOf(groupKey), id) {
						t.Errorf("deregistered connection %s still in %s", id, groupKey)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*rounds/2, r.Count())
	assert.Equal(t, 4, r.GroupCount())
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
