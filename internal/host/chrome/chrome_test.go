package chrome

import (
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
)

func created(id runtime.ExecutionContextID) *runtime.EventExecutionContextCreated {
	return &runtime.EventExecutionContextCreated{Context: &runtime.ExecutionContextDescription{ID: id}}
}

func TestLiveEventsDropsSupersededContexts(t *testing.T) {
	blank := created(1)
	startDoc := created(2)
	binding := &runtime.EventBindingCalled{Name: BindingName, ExecutionContextID: 2}

	evs := []any{
		blank,
		&runtime.EventExecutionContextDestroyed{ExecutionContextID: 1},
		&runtime.EventExecutionContextsCleared{},
		startDoc,
		binding,
	}
	got := liveEvents(evs)
	assert.Equal(t, []any{evs[1], evs[2], startDoc, binding}, got)
}

func TestLiveEventsKeepsCurrentContext(t *testing.T) {
	ctx := created(5)
	other := &runtime.EventExecutionContextDestroyed{ExecutionContextID: 6}
	assert.Equal(t, []any{ctx, other}, liveEvents([]any{ctx, other}))
	assert.Empty(t, liveEvents(nil))
}
