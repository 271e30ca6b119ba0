package headless

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hybridshell/internal/app"
	"github.com/mattjoyce/hybridshell/internal/config"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/script"
	"github.com/mattjoyce/hybridshell/plugins/builtin"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

const appScript = `
var log = [];
document.addEventListener('deviceready', function () {
  log.push('ready');
  cordova.exec(function (v) { log.push('echo:' + v); }, null, 'Echo', 'echo', ['hi']);
  cordova.exec(null, function (e) { log.push('missing'); }, 'Nope', 'x', []);
  cordova.exec(function (v) { log.push('multi:' + v); }, null, 'Echo', 'echoMultiple', ['m', 2]);
  cordova.exec(function (b) { log.push('bytes:' + new Uint8Array(b).length); }, null,
    'Echo', 'echoArrayBuffer', [new Uint8Array([7, 8, 9]).buffer]);
  setTimeout(function () { log.push('timer'); }, 5);
});
`

type running struct {
	host   *Host
	app    *app.Application
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, src string) *running {
	t.Helper()
	dir := t.TempDir()
	www := filepath.Join(dir, "www")
	require.NoError(t, os.MkdirAll(www, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(www, "app.js"), []byte(src), 0o644))

	cfg := config.Defaults()
	cfg.Dir = dir
	cfg.App.Dir = "."
	cfg.Service.FlushInterval = 10 * time.Millisecond
	cfg.Plugins = []config.PluginEntry{{Service: "Echo", Type: "echo"}}

	ctx, cancel := context.WithCancel(context.Background())
	a := app.New(cfg, builtin.Catalog(), app.Deps{OnExit: cancel})
	h := New(a, OptionsFromConfig(cfg))

	r := &running{host: h, app: a, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func evalString(t *testing.T, h *Host, src string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := h.Eval(ctx, src)
	if err != nil {
		return "error: " + err.Error()
	}
	s, _ := v.(string)
	return s
}

func TestRoundTrip(t *testing.T) {
	r := start(t, appScript)

	want := "ready,echo:hi,missing,multi:m,multi:m,bytes:3,timer"
	require.Eventually(t, func() bool {
		return evalString(t, r.host, "log.join(',')") == want
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, app.StateContextCreated, r.app.State())
	assert.True(t, r.app.BrowserCreated())
	assert.Equal(t, 0, r.app.Pending())
}

func TestReloadCreatesFreshRuntime(t *testing.T) {
	r := start(t, `var loads = (typeof loads === 'number') ? loads + 1 : 1; var marker = 'x';`)

	require.Eventually(t, func() bool {
		return evalString(t, r.host, "marker") == "x"
	}, 2*time.Second, 10*time.Millisecond)

	_, err := r.host.Eval(context.Background(), "marker = 'changed'")
	require.NoError(t, err)

	r.host.Reload()
	require.Eventually(t, func() bool {
		return evalString(t, r.host, "marker") == "x"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, app.StateContextCreated, r.app.State())
}

func TestExitRequestStopsHost(t *testing.T) {
	r := start(t, `
cordova.exec(null, null, 'Echo', 'echo', ['bye']);
`)
	require.Eventually(t, func() bool {
		return evalString(t, r.host, "typeof cordova") == "object"
	}, 2*time.Second, 10*time.Millisecond)

	r.app.RequestExit()
	select {
	case err := <-r.done:
		require.NoError(t, err)
		r.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("host did not stop after exit request")
	}

	_, err := r.host.Eval(context.Background(), "1")
	assert.ErrorIs(t, err, script.ErrUnavailable)
	assert.Equal(t, app.StateContextReleased, r.app.State())
}

func TestBridgeRejectsMalformedCall(t *testing.T) {
	r := start(t, `var rejected = String(_cordovaNative.exec('Echo', 'echo'));`)
	require.Eventually(t, func() bool {
		return evalString(t, r.host, "rejected") == "false"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMissingScriptFailsStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Dir = t.TempDir()
	a := app.New(cfg, builtin.Catalog(), app.Deps{})
	h := New(a, OptionsFromConfig(cfg))

	err := h.Run(context.Background())
	assert.ErrorContains(t, err, "read app script")
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Dir = "/srv/shell"
	cfg.App.Dir = "app"
	cfg.Browser.LiveReload = true

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, filepath.Join("/srv/shell", "app", "www", "app.js"), opts.Script)
	assert.Equal(t, filepath.Join("/srv/shell", "app", "www"), opts.WatchDir)
	assert.Equal(t, cfg.Service.FlushInterval, opts.FlushInterval)
}
