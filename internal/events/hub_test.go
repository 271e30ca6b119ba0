package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeScriptQueued, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	var data map[string]int
	require.NoError(t, json.Unmarshal(snap[2].Data, &data))
	assert.Equal(t, 4, data["n"])

	assert.Len(t, h.SnapshotSince(4), 1)
}

func TestHubSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	h.Publish(TypeLifecycle, nil)

	select {
	case ev := <-ch:
		assert.Equal(t, TypeLifecycle, ev.Type)
		assert.Equal(t, "{}", string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after cancel must not panic.
	h.Publish(TypeLifecycle, nil)
}

func TestDiscard(t *testing.T) {
	Discard.Publish(TypeLifecycle, struct{}{})
}
