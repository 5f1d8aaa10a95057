package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/bufsync/internal/conflict"
	"github.com/alexjbarnes/bufsync/internal/engine"
	"github.com/alexjbarnes/bufsync/internal/feed"
	"github.com/alexjbarnes/bufsync/internal/observe"
	"github.com/alexjbarnes/bufsync/internal/sandbox"
	"github.com/alexjbarnes/bufsync/internal/state"
)

const recvTimeout = 5 * time.Second

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// editorStub is a scriptable in-memory editor for driving the engine
// from the outside of the feed. The mutex matters here: resolutions
// arrive on the feed's session goroutine while tests mutate and read
// the stub from their own.
type editorStub struct {
	mu          sync.Mutex
	content     string
	dirty       bool
	contentSubs []func(string)
	dirtySubs   []func(bool)
}

func (e *editorStub) IsDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dirty
}

func (e *editorStub) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.content
}

func (e *editorStub) SetContent(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.content = text
}

func (e *editorStub) MarkClean() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dirty = false
}

func (e *editorStub) OnContentChange(fn func(string)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.contentSubs = append(e.contentSubs, fn)

	return func() {}
}

func (e *editorStub) OnDirtyStateChange(fn func(bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dirtySubs = append(e.dirtySubs, fn)

	return func() {}
}

func (e *editorStub) CaptureView() engine.ViewState { return nil }
func (e *editorStub) RestoreView(engine.ViewState)  {}

func (e *editorStub) typeText(text string) {
	e.mu.Lock()
	e.content = text
	e.dirty = true
	contentSubs := append([]func(string){}, e.contentSubs...)
	dirtySubs := append([]func(bool){}, e.dirtySubs...)
	e.mu.Unlock()

	for _, fn := range contentSubs {
		fn(text)
	}

	for _, fn := range dirtySubs {
		fn(true)
	}
}

// harness wires a real engine, a real baseline database, and the feed
// HTTP server together, plus one connected WebSocket client.
type harness struct {
	t      *testing.T
	box    *sandbox.Sandbox
	engine *engine.Engine
	conn   *websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	box := sandbox.New(t.TempDir())

	baselines, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { baselines.Close() })

	eng := engine.New(box, baselines, engine.Options{
		TokenTTL:          5 * time.Second,
		UndoTTL:           30 * time.Second,
		AutoReload:        true,
		DefaultResolution: conflict.ManualMerge,
		Logger:            testLogger,
	})
	t.Cleanup(eng.Dispose)

	srv := httptest.NewServer(feed.NewMux(feed.MuxConfig{Engine: eng, Logger: testLogger}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "bye") })

	return &harness{t: t, box: box, engine: eng, conn: conn}
}

// send writes one JSON request frame.
func (h *harness) send(v any) {
	h.t.Helper()

	data, err := json.Marshal(v)
	require.NoError(h.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
	defer cancel()

	require.NoError(h.t, h.conn.Write(ctx, websocket.MessageText, data))
}

// recvOp reads frames until one with the wanted op arrives. Event
// frames pushed by the engine may interleave with request replies.
func (h *harness) recvOp(op string) gjson.Result {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
	defer cancel()

	for {
		_, data, err := h.conn.Read(ctx)
		require.NoError(h.t, err, "waiting for op %q", op)

		frame := gjson.ParseBytes(data)
		if frame.Get("op").Str == op {
			return frame
		}
	}
}

// request sends one op and returns the matching reply.
func (h *harness) request(v any, replyOp string) gjson.Result {
	h.t.Helper()
	h.send(v)

	return h.recvOp(replyOp)
}

// openFile puts text on disk and registers a matching editor.
func (h *harness) openFile(rel, text string) *editorStub {
	h.t.Helper()
	require.NoError(h.t, h.box.WriteFile(rel, []byte(text), time.Time{}))

	ed := &editorStub{content: text}
	require.NoError(h.t, h.engine.RegisterOpenFile(rel, ed))

	return ed
}

// externalWrite changes the file on disk behind the engine's back and
// delivers the change record, as an observer would.
func (h *harness) externalWrite(rel, text string) {
	h.t.Helper()
	require.NoError(h.t, h.box.WriteFile(rel, []byte(text), time.Time{}))

	h.engine.HandleChanges([]observe.Record{{
		Root: h.box.Root(),
		Path: filepath.Join(h.box.Root(), filepath.FromSlash(rel)),
		Type: observe.Modified,
	}}, nil)
}

// conflicted produces a pending conflict on rel.
func (h *harness) conflicted(rel, base, local, external string) *editorStub {
	h.t.Helper()

	ed := h.openFile(rel, base)
	ed.typeText(local)
	h.externalWrite(rel, external)

	return ed
}
