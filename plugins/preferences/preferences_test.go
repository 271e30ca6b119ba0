package preferences

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/plugin/plugintest"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

func newPrefs(t *testing.T) (*plugintest.Harness, plugin.StateStore) {
	t.Helper()
	store := plugintest.NewStateStore(t)
	spec := plugin.Spec{Service: "Preferences", Type: Type, Config: map[string]any{
		"defaults": map[string]any{"theme": "dark"},
	}}
	return plugintest.New(t, New, spec, plugin.Deps{State: store}), store
}

func TestSetGetRemove(t *testing.T) {
	h, store := newPrefs(t)

	res := h.Last(t, h.Exec("set", `["volume", 7]`))
	require.Equal(t, protocol.StatusOK, res.Status())

	assert.JSONEq(t, `7`, h.Last(t, h.Exec("get", `["volume"]`)).Message())
	assert.JSONEq(t, `"dark"`, h.Last(t, h.Exec("get", `["theme"]`)).Message())
	assert.JSONEq(t, `null`, h.Last(t, h.Exec("get", `["missing"]`)).Message())

	assert.JSONEq(t, `true`, h.Last(t, h.Exec("remove", `["volume"]`)).Message())
	assert.JSONEq(t, `false`, h.Last(t, h.Exec("remove", `["volume"]`)).Message())

	raw, err := store.Get(context.Background(), "Preferences")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestKeysWithDottedNames(t *testing.T) {
	h, _ := newPrefs(t)

	h.Last(t, h.Exec("set", `["ui.theme", {"accent":"blue"}]`))
	h.Last(t, h.Exec("set", `["a", true]`))

	assert.JSONEq(t, `["a","ui.theme"]`, h.Last(t, h.Exec("keys", `[]`)).Message())
	assert.JSONEq(t, `{"accent":"blue"}`, h.Last(t, h.Exec("get", `["ui.theme"]`)).Message())
}

func TestInvalidKey(t *testing.T) {
	h, _ := newPrefs(t)
	for _, args := range []string{`[]`, `[""]`, `[5]`} {
		res := h.Last(t, h.Exec("get", args))
		assert.Equal(t, protocol.KindInvalidArguments, res.Kind(), args)
	}
	res := h.Last(t, h.Exec("set", `["k"]`))
	assert.Equal(t, protocol.KindInvalidArguments, res.Kind())
}

func TestRequiresStateStore(t *testing.T) {
	cat := plugin.NewCatalog()
	cat.MustRegister(Type, New)
	m := plugin.NewManager(cat, &plugintest.Recorder{}, plugin.Deps{})
	require.NoError(t, m.Init(context.Background(), []plugin.Spec{{Service: "Preferences", Type: Type}}))
	assert.Empty(t, m.Services())
}

func TestBadDefaults(t *testing.T) {
	_, err := New(plugin.Spec{Config: map[string]any{"defaults": "x"}})
	assert.Error(t, err)
}
