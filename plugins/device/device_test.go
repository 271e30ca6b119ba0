package device

import (
	"context"
	"os"
	"runtime"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/plugin/plugintest"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func TestGetDeviceInfo(t *testing.T) {
	store := plugintest.NewStateStore(t)
	spec := plugin.Spec{Service: "Device", Type: Type, Config: map[string]any{"manufacturer": "Acme", "is_virtual": true}}
	h := plugintest.New(t, New, spec, plugin.Deps{State: store})

	res := h.Last(t, h.Exec("getDeviceInfo", `[]`))
	require.Equal(t, protocol.StatusOK, res.Status())
	require.Equal(t, protocol.PayloadStructured, res.PayloadKind())

	info := gjson.Parse(res.Message())
	assert.Equal(t, runtime.GOOS, info.Get("platform").String())
	assert.Equal(t, "Acme", info.Get("manufacturer").String())
	assert.Equal(t, BridgeVersion, info.Get("cordova").String())
	assert.True(t, info.Get("isVirtual").Bool())
	assert.NotEmpty(t, info.Get("model").String())
	_, err := uuid.Parse(info.Get("uuid").String())
	assert.NoError(t, err)
}

func TestUUIDPersistsAcrossInstances(t *testing.T) {
	store := plugintest.NewStateStore(t)
	spec := plugin.Spec{Service: "Device", Type: Type}

	first := plugintest.New(t, New, spec, plugin.Deps{State: store})
	id1 := gjson.Get(first.Last(t, first.Exec("getDeviceInfo", `[]`)).Message(), "uuid").String()

	second := plugintest.New(t, New, spec, plugin.Deps{State: store})
	id2 := gjson.Get(second.Last(t, second.Exec("getDeviceInfo", `[]`)).Message(), "uuid").String()

	assert.Equal(t, id1, id2)

	raw, err := store.Get(context.Background(), "Device")
	require.NoError(t, err)
	assert.Equal(t, id1, gjson.GetBytes(raw, "uuid").String())
}

func TestWithoutStateStore(t *testing.T) {
	h := plugintest.New(t, New, plugin.Spec{Service: "Device", Type: Type}, plugin.Deps{})
	res := h.Last(t, h.Exec("getDeviceInfo", `[]`))
	assert.NotEmpty(t, gjson.Get(res.Message(), "uuid").String())
}
