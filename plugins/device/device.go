// Package device reports information about the machine the shell runs on.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

const (
	Type = "device"

	// BridgeVersion is reported as device.cordova.
	BridgeVersion = "1.0.0"
)

type Device struct {
	plugin.ActionSet

	model        string
	manufacturer string
	isVirtual    bool

	mu   sync.Mutex
	uuid string
}

// New builds the device plugin. config.model, config.manufacturer and
// config.is_virtual override the detected values.
func New(spec plugin.Spec) (plugin.Plugin, error) {
	d := &Device{model: hostModel(), manufacturer: "unknown"}
	if v, ok := spec.Config["model"].(string); ok && v != "" {
		d.model = v
	}
	if v, ok := spec.Config["manufacturer"].(string); ok && v != "" {
		d.manufacturer = v
	}
	if v, ok := spec.Config["is_virtual"].(bool); ok {
		d.isVirtual = v
	}
	d.ActionSet = plugin.ActionSet{"getDeviceInfo": d.getDeviceInfo}
	return d, nil
}

// Initialize loads the installation uuid from plugin state, creating it on
// first run. Without a state store the uuid lives for the process only.
func (d *Device) Initialize(ctx context.Context, env plugin.Env) error {
	if env.State == nil {
		d.uuid = uuid.NewString()
		return nil
	}
	raw, err := env.State.Get(ctx, env.Service)
	if err != nil {
		return fmt.Errorf("load device state: %w", err)
	}
	if id := gjson.GetBytes(raw, "uuid").String(); id != "" {
		d.uuid = id
		return nil
	}

	id := uuid.NewString()
	update, err := sjson.SetBytes([]byte("{}"), "uuid", id)
	if err != nil {
		return err
	}
	if _, err := env.State.ShallowMerge(ctx, env.Service, update); err != nil {
		return fmt.Errorf("persist device uuid: %w", err)
	}
	d.uuid = id
	return nil
}

func (d *Device) getDeviceInfo(_ context.Context, _ protocol.Args, cb *plugin.CallbackContext) error {
	info, err := d.info()
	if err != nil {
		return err
	}
	cb.SendResult(protocol.OK(info))
	return nil
}

func (d *Device) info() (json.RawMessage, error) {
	d.mu.Lock()
	if d.uuid == "" {
		d.uuid = uuid.NewString()
	}
	id := d.uuid
	d.mu.Unlock()

	doc := []byte("{}")
	fields := []struct {
		path  string
		value any
	}{
		{"platform", runtime.GOOS},
		{"version", runtime.Version()},
		{"uuid", id},
		{"model", d.model},
		{"manufacturer", d.manufacturer},
		{"cordova", BridgeVersion},
		{"isVirtual", d.isVirtual},
	}
	var err error
	for _, f := range fields {
		if doc, err = sjson.SetBytes(doc, f.path, f.value); err != nil {
			return nil, fmt.Errorf("build device info: %w", err)
		}
	}
	return json.RawMessage(doc), nil
}

func hostModel() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return fmt.Sprintf("%s/%s (%s)", runtime.GOOS, runtime.GOARCH, h)
	}
	return runtime.GOOS + "/" + runtime.GOARCH
}
