package chrome

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/mattjoyce/hybridshell/internal/protocol"
)

// BindingName is the CDP binding every exposed function reports through.
const BindingName = "__hybridshellBinding"

// bindingCall is one decoded Runtime.bindingCalled payload.
type bindingCall struct {
	Object string
	Name   string
	Args   []any
}

func decodeBindingPayload(payload string) (bindingCall, error) {
	if !gjson.Valid(payload) {
		return bindingCall{}, errors.New("binding payload is not valid JSON")
	}
	p := gjson.Parse(payload)
	call := bindingCall{
		Object: p.Get("object").String(),
		Name:   p.Get("name").String(),
	}
	if call.Object == "" || call.Name == "" {
		return bindingCall{}, errors.New("binding payload lacks object or name")
	}
	args := p.Get("args")
	if args.Exists() && !args.IsArray() {
		return bindingCall{}, fmt.Errorf("binding args must be an array, got %s", args.Type)
	}
	for _, a := range args.Array() {
		call.Args = append(call.Args, a.Value())
	}
	return call, nil
}

// isMainContext reports whether a context's auxData describes the default
// world of the page's top frame.
func isMainContext(auxData []byte, topFrameID string) bool {
	aux := gjson.ParseBytes(auxData)
	if !aux.Get("isDefault").Bool() {
		return false
	}
	return topFrameID == "" || aux.Get("frameId").String() == topFrameID
}

// installerScript defines the read-only global object with a single function
// that validates its arguments synchronously and forwards them through the
// binding. It is a no-op when the object already exists.
func installerScript(object, fn string) string {
	var b strings.Builder
	b.WriteString("(function(){\n")
	fmt.Fprintf(&b, "var OBJ=%s,FN=%s,send=globalThis[%s];\n",
		protocol.JSONString(object), protocol.JSONString(fn), protocol.JSONString(BindingName))
	b.WriteString(`if (typeof send !== 'function' || Object.prototype.hasOwnProperty.call(globalThis, OBJ)) { return; }
var o = {};
Object.defineProperty(o, FN, {enumerable: true, value: function () {
  var args = Array.prototype.slice.call(arguments);
  if (args.length !== 4) { return false; }
  for (var i = 0; i < args.length; i++) {
    if (typeof args[i] !== 'string') { return false; }
  }
  send(JSON.stringify({object: OBJ, name: FN, args: args}));
  return true;
}});
Object.defineProperty(globalThis, OBJ, {value: o, configurable: true});
})();`)
	return b.String()
}

func revokeScript(object string) string {
	return fmt.Sprintf("delete globalThis[%s];", protocol.JSONString(object))
}

// eventBuffer queues CDP events without blocking the chromedp listener.
type eventBuffer struct {
	mu     sync.Mutex
	items  []any
	notify chan struct{}
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{notify: make(chan struct{}, 1)}
}

func (b *eventBuffer) push(ev any) {
	b.mu.Lock()
	b.items = append(b.items, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *eventBuffer) drain() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}
