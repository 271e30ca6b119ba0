package plugin

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hybridshell/internal/events"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type delivery struct {
	callbackID string
	result     *protocol.Result
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) SendPluginResult(res *protocol.Result, callbackID string) {
	r.mu.Lock()
	r.got = append(r.got, delivery{callbackID: callbackID, result: res})
	r.mu.Unlock()
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

type lifecyclePlugin struct {
	ActionSet
	name string
	log  *[]string
}

func (p *lifecyclePlugin) OnPause()   { *p.log = append(*p.log, p.name+":pause") }
func (p *lifecyclePlugin) OnResume()  { *p.log = append(*p.log, p.name+":resume") }
func (p *lifecyclePlugin) OnDestroy() { *p.log = append(*p.log, p.name+":destroy") }

func echoActions() ActionSet {
	return ActionSet{
		"echo": func(_ context.Context, args protocol.Args, cb *CallbackContext) error {
			s, err := args.String(0)
			if err != nil {
				return InvalidArgs(err)
			}
			cb.Success(s)
			return nil
		},
		"fault": func(context.Context, protocol.Args, *CallbackContext) error {
			panic("boom")
		},
		"fail": func(context.Context, protocol.Args, *CallbackContext) error {
			return errors.New("disk on fire")
		},
		"three": func(_ context.Context, _ protocol.Args, cb *CallbackContext) error {
			cb.SendResult(protocol.OK(1).KeepCallback())
			cb.SendResult(protocol.OK(2).KeepCallback())
			cb.SendResult(protocol.OK(3))
			cb.SendResult(protocol.OK(4))
			return nil
		},
		"later": func(_ context.Context, _ protocol.Args, cb *CallbackContext) error {
			go func() {
				time.Sleep(10 * time.Millisecond)
				cb.Success("done")
			}()
			return nil
		},
	}
}

func newTestManager(t *testing.T, specs ...Spec) (*Manager, *recorder) {
	t.Helper()
	cat := NewCatalog()
	cat.MustRegister("echo", func(Spec) (Plugin, error) { return echoActions(), nil })
	rec := &recorder{}
	m := NewManager(cat, rec, Deps{})
	if len(specs) == 0 {
		specs = []Spec{{Service: "echo", Type: "echo"}}
	}
	require.NoError(t, m.Init(context.Background(), specs))
	return m, rec
}

func TestExecUnknownService(t *testing.T) {
	m, rec := newTestManager(t)

	res := m.Exec(context.Background(), "unknown_service", "anyAction", "cb1", "[]")
	require.NotNil(t, res)
	assert.Equal(t, protocol.KindUnknownService, res.Kind())

	got := rec.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "cb1", got[0].callbackID)
	assert.Equal(t, protocol.StatusClassNotFound, got[0].result.Status())
}

func TestExecNoSuchAction(t *testing.T) {
	m, rec := newTestManager(t)

	res := m.Exec(context.Background(), "echo", "doesNotExist", "cb2", "[]")
	require.NotNil(t, res)
	assert.Equal(t, protocol.KindNoSuchAction, res.Kind())

	got := rec.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "cb2", got[0].callbackID)
	assert.Equal(t, protocol.StatusInvalidAction, got[0].result.Status())
}

func TestExecInvalidArguments(t *testing.T) {
	m, rec := newTestManager(t)

	res := m.Exec(context.Background(), "echo", "echo", "cb3", "{not json")
	require.NotNil(t, res)
	assert.Equal(t, protocol.KindInvalidArguments, res.Kind())
	assert.Equal(t, protocol.StatusJSONError, res.Status())
	assert.Len(t, rec.deliveries(), 1)
}

func TestExecActionRejectsArguments(t *testing.T) {
	m, rec := newTestManager(t)

	res := m.Exec(context.Background(), "echo", "echo", "cb4", "[42]")
	require.NotNil(t, res)
	assert.Equal(t, protocol.KindInvalidArguments, res.Kind())
	assert.Contains(t, res.Message(), "expected String")
	assert.Len(t, rec.deliveries(), 1)
}

func TestExecFaultKeepsManagerUsable(t *testing.T) {
	m, rec := newTestManager(t)

	res := m.Exec(context.Background(), "echo", "fault", "cb4", "[]")
	require.NotNil(t, res)
	assert.Equal(t, protocol.KindPluginExecution, res.Kind())
	assert.Contains(t, res.Message(), "boom")

	res = m.Exec(context.Background(), "echo", "fail", "cb5", "[]")
	require.NotNil(t, res)
	assert.Equal(t, protocol.KindPluginExecution, res.Kind())

	assert.Nil(t, m.Exec(context.Background(), "echo", "echo", "cb6", `["hi"]`))

	got := rec.deliveries()
	require.Len(t, got, 3)
	assert.Equal(t, "cb4", got[0].callbackID)
	assert.Equal(t, "cb5", got[1].callbackID)
	assert.Equal(t, "cb6", got[2].callbackID)
	assert.Equal(t, `"hi"`, got[2].result.Message())
}

func TestExecKeepCallbackOrdered(t *testing.T) {
	m, rec := newTestManager(t)

	assert.Nil(t, m.Exec(context.Background(), "echo", "three", "cb7", "[]"))

	got := rec.deliveries()
	require.Len(t, got, 3, "results after the final one are dropped")
	for i, d := range got {
		assert.Equal(t, "cb7", d.callbackID)
		assert.Equal(t, string(rune('1'+i)), d.result.Message())
	}
	assert.True(t, got[0].result.KeepsCallback())
	assert.False(t, got[2].result.KeepsCallback())
}

func TestExecAsync(t *testing.T) {
	m, rec := newTestManager(t)

	assert.Nil(t, m.Exec(context.Background(), "echo", "later", "cb8", "[]"))
	require.Eventually(t, func() bool { return len(rec.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `"done"`, rec.deliveries()[0].result.Message())
}

func TestInvoke(t *testing.T) {
	m, _ := newTestManager(t)

	id, ch := m.Invoke(context.Background(), "echo", "three", "[]")
	assert.NotEmpty(t, id)

	var msgs []string
	for r := range ch {
		msgs = append(msgs, r.Message())
	}
	assert.Equal(t, []string{"1", "2", "3"}, msgs)

	_, ch = m.Invoke(context.Background(), "missing", "x", "[]")
	r, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, protocol.KindUnknownService, r.Kind())
	_, ok = <-ch
	assert.False(t, ok)
}

func TestInvokeLongStreamKeepsFinalResult(t *testing.T) {
	const keepAlive = 299
	cat := NewCatalog()
	cat.MustRegister("stream", func(Spec) (Plugin, error) {
		return ActionSet{
			"run": func(_ context.Context, _ protocol.Args, cb *CallbackContext) error {
				for i := 0; i < keepAlive; i++ {
					cb.SendResult(protocol.OK(i).KeepCallback())
				}
				cb.Success("final")
				return nil
			},
		}, nil
	})
	m := NewManager(cat, &recorder{}, Deps{})
	require.NoError(t, m.Init(context.Background(), []Spec{{Service: "stream", Type: "stream"}}))

	_, ch := m.Invoke(context.Background(), "stream", "run", "[]")
	var got []*protocol.Result
	for r := range ch {
		got = append(got, r)
	}
	require.Len(t, got, keepAlive+1)
	for i := 0; i < keepAlive; i++ {
		require.True(t, got[i].KeepsCallback())
	}
	assert.Equal(t, `"final"`, got[keepAlive].Message())
	assert.False(t, got[keepAlive].KeepsCallback())
}

func TestInvokeClosesWhenContextDone(t *testing.T) {
	cat := NewCatalog()
	cat.MustRegister("never", func(Spec) (Plugin, error) {
		return ActionSet{
			"wait": func(_ context.Context, _ protocol.Args, cb *CallbackContext) error {
				cb.SendResult(protocol.OK("tick").KeepCallback())
				return nil
			},
		}, nil
	})
	m := NewManager(cat, &recorder{}, Deps{})
	require.NoError(t, m.Init(context.Background(), []Spec{{Service: "never", Type: "never"}}))

	ctx, cancel := context.WithCancel(context.Background())
	_, ch := m.Invoke(ctx, "never", "wait", "[]")
	r, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, `"tick"`, r.Message())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestInitSkipsInvalidAndKeepsFirst(t *testing.T) {
	hub := events.NewHub(32)
	cat := NewCatalog()
	cat.MustRegister("echo", func(Spec) (Plugin, error) { return echoActions(), nil })
	cat.MustRegister("broken", func(Spec) (Plugin, error) { return nil, errors.New("no hardware") })
	cat.MustRegister("first", func(Spec) (Plugin, error) {
		return ActionSet{"who": func(_ context.Context, _ protocol.Args, cb *CallbackContext) error {
			cb.Success("first")
			return nil
		}}, nil
	})

	rec := &recorder{}
	m := NewManager(cat, rec, Deps{Events: hub})
	require.NoError(t, m.Init(context.Background(), []Spec{
		{Service: "a", Type: "first"},
		{Service: "a", Type: "echo"},
		{Service: "b", Type: "nope"},
		{Service: "c", Type: "broken"},
		{Service: "", Type: "echo"},
		{Service: "d", Type: "echo"},
	}))

	assert.Equal(t, []string{"a", "d"}, m.Services())

	m.Exec(context.Background(), "a", "who", "cb", "[]")
	assert.Equal(t, `"first"`, rec.deliveries()[0].result.Message())

	var skipped int
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.TypePluginSkipped {
			skipped++
		}
	}
	assert.Equal(t, 4, skipped)

	assert.ErrorIs(t, m.Init(context.Background(), nil), ErrAlreadyInitialized)
}

type initPlugin struct {
	ActionSet
	env Env
	err error
}

func (p *initPlugin) Initialize(_ context.Context, env Env) error {
	p.env = env
	return p.err
}

func TestInitializerHook(t *testing.T) {
	good := &initPlugin{ActionSet: ActionSet{}}
	bad := &initPlugin{ActionSet: ActionSet{}, err: errors.New("nope")}

	cat := NewCatalog()
	cat.MustRegister("good", func(Spec) (Plugin, error) { return good, nil })
	cat.MustRegister("bad", func(Spec) (Plugin, error) { return bad, nil })

	m := NewManager(cat, &recorder{}, Deps{})
	require.NoError(t, m.Init(context.Background(), []Spec{
		{Service: "g", Type: "good"},
		{Service: "b", Type: "bad"},
	}))

	assert.Equal(t, []string{"g"}, m.Services())
	assert.Equal(t, "g", good.env.Service)
	assert.NotNil(t, good.env.Logger)
}

func TestLifecycleFanOut(t *testing.T) {
	var calls []string
	cat := NewCatalog()
	cat.MustRegister("lc", func(s Spec) (Plugin, error) {
		return &lifecyclePlugin{ActionSet: ActionSet{"x": nil}, name: s.Service, log: &calls}, nil
	})
	cat.MustRegister("plain", func(Spec) (Plugin, error) { return ActionSet{}, nil })

	m := NewManager(cat, &recorder{}, Deps{})
	require.NoError(t, m.Init(context.Background(), []Spec{
		{Service: "one", Type: "lc"},
		{Service: "plain", Type: "plain"},
		{Service: "two", Type: "lc"},
	}))

	m.Pause()
	m.Resume()
	m.Destroy()

	assert.Equal(t, []string{
		"one:pause", "two:pause",
		"one:resume", "two:resume",
		"two:destroy", "one:destroy",
	}, calls)

	infos := m.Plugins()
	require.Len(t, infos, 3)
	assert.Equal(t, []string{"x"}, infos[0].Actions)
}

func TestCatalogRegister(t *testing.T) {
	cat := NewCatalog()
	f := func(Spec) (Plugin, error) { return ActionSet{}, nil }
	require.NoError(t, cat.Register("a", f))
	assert.Error(t, cat.Register("a", f))
	assert.Error(t, cat.Register("", f))
	assert.Error(t, cat.Register("b", nil))
	assert.Equal(t, []string{"a"}, cat.Types())
}

func TestCallbackContextFinished(t *testing.T) {
	rec := &recorder{}
	cb := newCallbackContext("cb", rec, log.Get())
	assert.False(t, cb.Finished())
	assert.True(t, cb.SendResult(protocol.OK("a").KeepCallback()))
	assert.False(t, cb.Finished())
	assert.True(t, cb.Error("bad"))
	assert.True(t, cb.Finished())
	assert.False(t, cb.Success("late"))
	assert.Len(t, rec.deliveries(), 2)
}
