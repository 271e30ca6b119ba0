// Package preferences gives script code a persistent key/value store backed by
// the shell's plugin state.
package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

const Type = "preferences"

var errNoStore = errors.New("preferences require a state store")

type Preferences struct {
	plugin.ActionSet

	defaults map[string]any
	service  string
	store    plugin.StateStore
}

// New builds the plugin. config.defaults supplies values returned by get for
// keys that were never set.
func New(spec plugin.Spec) (plugin.Plugin, error) {
	p := &Preferences{service: spec.Service}
	if d, ok := spec.Config["defaults"]; ok {
		m, ok := d.(map[string]any)
		if !ok {
			return nil, errors.New("defaults must be a mapping")
		}
		p.defaults = m
	}
	p.ActionSet = plugin.ActionSet{
		"get":    p.get,
		"set":    p.set,
		"remove": p.remove,
		"keys":   p.keys,
	}
	return p, nil
}

func (p *Preferences) Initialize(_ context.Context, env plugin.Env) error {
	if env.State == nil {
		return errNoStore
	}
	p.store = env.State
	p.service = env.Service
	return nil
}

// get(key) returns the stored value, the configured default, or null.
func (p *Preferences) get(ctx context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}
	raw, err := p.store.Get(ctx, p.service)
	if err != nil {
		return err
	}
	if v := gjson.GetBytes(raw, escapePath(key)); v.Exists() {
		cb.SendResult(protocol.OK(json.RawMessage(v.Raw)))
		return nil
	}
	if def, ok := p.defaults[key]; ok {
		cb.SendResult(protocol.OK(def))
		return nil
	}
	cb.SendResult(protocol.OK(json.RawMessage("null")))
	return nil
}

// set(key, value) stores any JSON value.
func (p *Preferences) set(ctx context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}
	value, err := args.JSON(1)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	update, err := sjson.SetRawBytes([]byte("{}"), escapePath(key), value)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	if _, err := p.store.ShallowMerge(ctx, p.service, update); err != nil {
		return fmt.Errorf("store preference: %w", err)
	}
	cb.SendResult(protocol.OK(true))
	return nil
}

// remove(key) reports whether the key existed.
func (p *Preferences) remove(ctx context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}
	before, err := p.store.Get(ctx, p.service)
	if err != nil {
		return err
	}
	existed := gjson.GetBytes(before, escapePath(key)).Exists()
	if existed {
		if _, err := p.store.DeleteKeys(ctx, p.service, key); err != nil {
			return fmt.Errorf("remove preference: %w", err)
		}
	}
	cb.SendResult(protocol.OK(existed))
	return nil
}

// keys() lists stored keys in sorted order.
func (p *Preferences) keys(ctx context.Context, _ protocol.Args, cb *plugin.CallbackContext) error {
	raw, err := p.store.Get(ctx, p.service)
	if err != nil {
		return err
	}
	out := []string{}
	gjson.ParseBytes(raw).ForEach(func(k, _ gjson.Result) bool {
		out = append(out, k.String())
		return true
	})
	sort.Strings(out)
	cb.SendResult(protocol.OK(out))
	return nil
}

func keyArg(args protocol.Args) (string, error) {
	key, err := args.String(0)
	if err != nil {
		return "", plugin.InvalidArgs(err)
	}
	if key == "" {
		return "", plugin.InvalidArgs(errors.New("key is empty"))
	}
	return key, nil
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
	`:`, `\:`,
	`!`, `\!`,
	`=`, `\=`,
	`<`, `\<`,
	`>`, `\>`,
	`%`, `\%`,
)

// escapePath turns a literal key into a single gjson/sjson path component.
func escapePath(key string) string {
	return pathEscaper.Replace(key)
}
