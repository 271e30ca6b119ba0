package queue

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hybridshell/internal/events"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/protocol"
	"github.com/mattjoyce/hybridshell/internal/script"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type recordingContext struct {
	mu      sync.Mutex
	batches []string
}

func (c *recordingContext) Eval(src string) error {
	c.mu.Lock()
	c.batches = append(c.batches, src)
	c.mu.Unlock()
	return nil
}

func (c *recordingContext) Expose(string, string, script.Func) error { return nil }
func (c *recordingContext) Revoke(string) error                      { return nil }

var wrappedStatement = regexp.MustCompile(`(?s)try \{\n(.*?)\n\} catch`)

func (c *recordingContext) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		for _, m := range wrappedStatement.FindAllStringSubmatch(b, -1) {
			out = append(out, m[1])
		}
	}
	return out
}

func TestFlushPreservesOrder(t *testing.T) {
	q := New(nil)
	sc := &recordingContext{}

	q.AddJavaScript("a();")
	q.AddPluginResult(protocol.OK("x"), "cb1")
	q.AddJavaScript("b();")

	n, err := q.Flush(sc)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, q.Len())
	require.Len(t, sc.batches, 1)
	assert.Equal(t, []string{
		"a();",
		`cordova.callbackFromNative("cb1",true,1,["x"],false);`,
		"b();",
	}, sc.statements())

	n, err = q.Flush(sc)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, sc.batches, 1)
}

func TestKeepAliveIsNotQueued(t *testing.T) {
	q := New(nil)
	q.AddPluginResult(protocol.NoResult().KeepCallback(), "cb1")
	q.AddJavaScript("")
	assert.Zero(t, q.Len())
}

func TestFlushWithoutContextRestores(t *testing.T) {
	q := New(nil)
	q.AddJavaScript("a();")
	q.AddJavaScript("b();")

	n, err := q.Flush(nil)
	assert.ErrorIs(t, err, script.ErrUnavailable)
	assert.Zero(t, n)
	assert.Equal(t, 2, q.Len())

	q.AddJavaScript("c();")
	sc := &recordingContext{}
	_, err = q.Flush(sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a();", "b();", "c();"}, sc.statements())
}

func TestFlushUnavailableContextRestoresAtHead(t *testing.T) {
	ctrl := gomock.NewController(t)
	sc := script.NewMockContext(ctrl)
	sc.EXPECT().Eval(gomock.Any()).Return(fmt.Errorf("page gone: %w", script.ErrUnavailable))

	q := New(nil)
	q.AddJavaScript("a();")

	_, err := q.Flush(sc)
	assert.ErrorIs(t, err, script.ErrUnavailable)
	assert.Equal(t, 1, q.Len())
}

func TestFlushUnparsableBatchFallsBackToSingleStatements(t *testing.T) {
	ctrl := gomock.NewController(t)
	sc := script.NewMockContext(ctrl)
	gomock.InOrder(
		sc.EXPECT().Eval(gomock.Any()).Return(errors.New("SyntaxError: Unexpected token")),
		sc.EXPECT().Eval("a(;").Return(errors.New("SyntaxError: Unexpected token")),
		sc.EXPECT().Eval("b();").Return(nil),
	)

	hub := events.NewHub(10)
	q := New(hub)
	q.AddJavaScript("a(;")
	q.AddJavaScript("b();")

	n, err := q.Flush(sc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, q.Len())

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, events.TypeQueueFlushed, snap[2].Type)
	assert.Contains(t, string(snap[2].Data), "SyntaxError")
}

func TestFlushSingleStatementsRestoreOnUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	sc := script.NewMockContext(ctrl)
	gomock.InOrder(
		sc.EXPECT().Eval(gomock.Any()).Return(errors.New("SyntaxError: Unexpected token")),
		sc.EXPECT().Eval("a(;").Return(errors.New("SyntaxError: Unexpected token")),
		sc.EXPECT().Eval("b();").Return(script.ErrUnavailable),
	)

	q := New(nil)
	q.AddJavaScript("a(;")
	q.AddJavaScript("b();")
	q.AddJavaScript("c();")

	n, err := q.Flush(sc)
	assert.ErrorIs(t, err, script.ErrUnavailable)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.Len())
}

func TestReadySignalled(t *testing.T) {
	q := New(nil)
	select {
	case <-q.Ready():
		t.Fatal("ready before any append")
	default:
	}

	q.AddJavaScript("a();")
	q.AddJavaScript("b();")

	select {
	case <-q.Ready():
	default:
		t.Fatal("ready not signalled")
	}
}

func TestConcurrentAppendAndFlush(t *testing.T) {
	const producers = 8
	const perProducer = 200

	q := New(nil)
	sc := &recordingContext{}

	var producersWG sync.WaitGroup
	for p := 0; p < producers; p++ {
		producersWG.Add(1)
		go func(p int) {
			defer producersWG.Done()
			for i := 0; i < perProducer; i++ {
				q.AddJavaScript(fmt.Sprintf("s(%d,%d);", p, i))
			}
		}(p)
	}

	done := make(chan struct{})
	var flushersWG sync.WaitGroup
	for f := 0; f < 3; f++ {
		flushersWG.Add(1)
		go func() {
			defer flushersWG.Done()
			for {
				select {
				case <-done:
					return
				default:
					_, _ = q.Flush(sc)
				}
			}
		}()
	}

	producersWG.Wait()
	close(done)
	flushersWG.Wait()
	_, err := q.Flush(sc)
	require.NoError(t, err)

	got := sc.statements()
	require.Len(t, got, producers*perProducer)

	next := make([]int, producers)
	for _, s := range got {
		var p, i int
		_, err := fmt.Sscanf(s, "s(%d,%d);", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, next[p], i, "producer %d out of order", p)
		next[p] = i + 1
	}
}

func TestFlushIntoGoja(t *testing.T) {
	sc := script.NewGojaContext()
	require.NoError(t, sc.Eval(`
var delivered = [];
var cordova = { callbackFromNative: function(id, ok, status, args, keep) {
  delivered.push(id + ":" + ok + ":" + status + ":" + JSON.stringify(args) + ":" + keep);
}};`))

	q := New(nil)
	q.AddPluginResult(protocol.OK(map[string]int{"n": 1}).KeepCallback(), "cb1")
	q.AddPluginResult(protocol.Failure(protocol.KindNoSuchAction, "nope"), "cb2")

	_, err := q.Flush(sc)
	require.NoError(t, err)

	v, err := sc.EvalValue(`delivered.join("|")`)
	require.NoError(t, err)
	assert.Equal(t, `cb1:true:1:[{"n":1}]:true|cb2:false:7:["nope"]:false`, v)
}

func TestThrowingStatementDoesNotDropOthers(t *testing.T) {
	sc := script.NewGojaContext()
	require.NoError(t, sc.Eval(`
var got = [];
var cordova = { callbackFromNative: function(id, ok, status, args, keep) {
  if (id === "a") { throw new Error("callback a failed"); }
  got.push(id);
}};`))

	hub := events.NewHub(10)
	q := New(hub)
	q.AddPluginResult(protocol.OK("x"), "a")
	q.AddPluginResult(protocol.OK("y"), "b")
	q.AddJavaScript(`got.push("raw");`)

	n, err := q.Flush(sc)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, q.Len())

	v, err := sc.EvalValue(`got.join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "b,raw", v)

	snap := hub.SnapshotSince(0)
	last := snap[len(snap)-1]
	assert.Equal(t, events.TypeQueueFlushed, last.Type)
	assert.Contains(t, string(last.Data), "callback a failed")
}

func TestUnparsableStatementDoesNotDropOthers(t *testing.T) {
	sc := script.NewGojaContext()
	require.NoError(t, sc.Eval(`var got = [];`))

	q := New(nil)
	q.AddJavaScript(`got.push("before");`)
	q.AddJavaScript(`this is not javascript(`)
	q.AddJavaScript(`got.push("after");`)

	n, err := q.Flush(sc)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	v, err := sc.EvalValue(`got.join(",")`)
	require.NoError(t, err)
	assert.Equal(t, "before,after", v)
}

func TestStatementErrorsParsesMarker(t *testing.T) {
	err := fmt.Errorf("eval: Error: %s[[1,\"TypeError: x\"]]%s at <eval>:9:3", flushErrorsMarker, flushErrorsMarker)
	failures, ok := statementErrors(err)
	require.True(t, ok)
	assert.Equal(t, int64(1), failures.Get("0.0").Int())
	assert.Equal(t, "TypeError: x", failures.Get("0.1").String())

	_, ok = statementErrors(errors.New("SyntaxError"))
	assert.False(t, ok)
}
